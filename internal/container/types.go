// Package container creates, drives and tears down containers: sandboxes
// backed by a dedicated OS identity, a private directory, a resource group and
// a sandboxed host process.
package container

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrInvalidArgument reports a missing or empty required input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrContainerDestroyed reports an operation on a torn-down container.
	ErrContainerDestroyed = errors.New("container is destroyed")
	// ErrNotFound reports a handle with no live container.
	ErrNotFound = errors.New("container not found")
)

// ResourceAcquisitionError reports the creation step that failed. The
// container was rolled back before it was returned.
type ResourceAcquisitionError struct {
	Step string
	Err  error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Step, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error {
	return e.Err
}

// Limits bound the resources of every process in a container. Zero fields
// take the service defaults.
type Limits struct {
	MemoryMax uint64 `json:"memory_max,omitempty"`
	CPUWeight int    `json:"cpu_weight,omitempty"`
	PidsMax   int    `json:"pids_max,omitempty"`
}

func (l Limits) withDefaults(defaults Limits) Limits {
	if l.MemoryMax == 0 {
		l.MemoryMax = defaults.MemoryMax
	}
	if l.CPUWeight == 0 {
		l.CPUWeight = defaults.CPUWeight
	}
	if l.PidsMax == 0 {
		l.PidsMax = defaults.PidsMax
	}
	return l
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	// Handle names the container; one is generated when empty. Handles
	// compare case-insensitively.
	Handle     string            `json:"handle,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Limits     Limits            `json:"limits,omitempty"`
}

// ProcessSpec describes a process to run in a container.
type ProcessSpec struct {
	ExecutablePath string            `json:"executable_path"`
	Arguments      []string          `json:"arguments,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	// Privileged runs the process directly under the daemon instead of in
	// the sandboxed host.
	Privileged bool `json:"privileged,omitempty"`
	// DisablePathMapping uses ExecutablePath as a host path.
	DisablePathMapping bool `json:"disable_path_mapping,omitempty"`
}

// ProcessIO receives the output of a process, one line per write.
type ProcessIO interface {
	Stdout() io.Writer
	Stderr() io.Writer
}

// State is the lifecycle state of a container.
type State string

const (
	StateActive    State = "active"
	StateDestroyed State = "destroyed"
)

// PortReservation pairs a port a container asked for with the port it got.
type PortReservation struct {
	Requested int `json:"requested"`
	Bound     int `json:"bound"`
}

// Info is a point-in-time view of a container.
type Info struct {
	Handle        string            `json:"handle"`
	ID            string            `json:"id"`
	State         State             `json:"state"`
	ContainerPath string            `json:"container_path"`
	Ports         []PortReservation `json:"ports,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	MemoryBytes   uint64            `json:"memory_bytes"`
	CPUUsage      time.Duration     `json:"cpu_usage"`
	Events        []string          `json:"events,omitempty"`
}
