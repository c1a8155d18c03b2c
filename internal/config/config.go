// Package config loads the daemon configuration. A missing file is not an
// error: the defaults describe a working single-host installation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default locations used when no configuration file overrides them.
var (
	DefaultConfigPath = "/etc/cellar/config.yaml"
	DefaultStorageDir = "/var/lib/cellar"
	DefaultSocketPath = "/var/run/cellar/daemon.sock"
)

// PortRange bounds the ports handed out when a container asks for port 0.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Limits are the per-container resource limits applied when a container spec
// does not carry its own.
type Limits struct {
	MemoryMax string `yaml:"memory_max,omitempty"`
	CPUWeight int    `yaml:"cpu_weight,omitempty"`
	PidsMax   int    `yaml:"pids_max,omitempty"`
}

// Config is the on-disk daemon configuration. AdminGroup is given group
// access to every container directory. ContainerUserGroup, when set, is a
// supplementary group every container identity joins; it must differ from
// AdminGroup.
type Config struct {
	ContainerBasePath  string        `yaml:"container_base_path"`
	AdminGroup         string        `yaml:"admin_group"`
	ContainerUserGroup string        `yaml:"container_user_group,omitempty"`
	HostExecutable     string        `yaml:"host_executable"`
	CgroupRoot         string        `yaml:"cgroup_root"`
	CgroupParent       string        `yaml:"cgroup_parent"`
	PropertyDB         string        `yaml:"property_db"`
	SocketPath         string        `yaml:"socket_path"`
	Ports              PortRange     `yaml:"port_range"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	DefaultLimits      Limits        `yaml:"default_limits"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ContainerBasePath: DefaultStorageDir + "/containers",
		AdminGroup:        "cellaradmin",
		HostExecutable:    "/usr/libexec/cellar/cellar-host",
		CgroupRoot:        "/sys/fs/cgroup",
		CgroupParent:      "cellar",
		PropertyDB:        DefaultStorageDir + "/properties.db",
		SocketPath:        DefaultSocketPath,
		Ports:             PortRange{Min: 40000, Max: 60000},
		StopTimeout:       10 * time.Second,
		DefaultLimits: Limits{
			MemoryMax: "1G",
			PidsMax:   512,
		},
	}
}

// Load reads the configuration at path, filling any field the file leaves
// empty from Default. A non-existent file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.merge(loaded)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the daemon relies on.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ContainerBasePath) == "" {
		errs = append(errs, errors.New("container_base_path is required"))
	}
	if strings.TrimSpace(c.HostExecutable) == "" {
		errs = append(errs, errors.New("host_executable is required"))
	}
	if c.ContainerUserGroup != "" && c.ContainerUserGroup == c.AdminGroup {
		errs = append(errs, fmt.Errorf("container_user_group %q must differ from admin_group", c.ContainerUserGroup))
	}
	if c.Ports.Min <= 0 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		errs = append(errs, fmt.Errorf("port_range %d-%d is invalid", c.Ports.Min, c.Ports.Max))
	}
	if c.StopTimeout < 0 {
		errs = append(errs, errors.New("stop_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Write persists the configuration to path.
func (c Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) merge(other Config) {
	if other.ContainerBasePath != "" {
		c.ContainerBasePath = other.ContainerBasePath
	}
	if other.AdminGroup != "" {
		c.AdminGroup = other.AdminGroup
	}
	if other.ContainerUserGroup != "" {
		c.ContainerUserGroup = other.ContainerUserGroup
	}
	if other.HostExecutable != "" {
		c.HostExecutable = other.HostExecutable
	}
	if other.CgroupRoot != "" {
		c.CgroupRoot = other.CgroupRoot
	}
	if other.CgroupParent != "" {
		c.CgroupParent = other.CgroupParent
	}
	if other.PropertyDB != "" {
		c.PropertyDB = other.PropertyDB
	}
	if other.SocketPath != "" {
		c.SocketPath = other.SocketPath
	}
	if other.Ports.Min != 0 {
		c.Ports.Min = other.Ports.Min
	}
	if other.Ports.Max != 0 {
		c.Ports.Max = other.Ports.Max
	}
	if other.StopTimeout != 0 {
		c.StopTimeout = other.StopTimeout
	}
	if other.DefaultLimits.MemoryMax != "" {
		c.DefaultLimits.MemoryMax = other.DefaultLimits.MemoryMax
	}
	if other.DefaultLimits.CPUWeight != 0 {
		c.DefaultLimits.CPUWeight = other.DefaultLimits.CPUWeight
	}
	if other.DefaultLimits.PidsMax != 0 {
		c.DefaultLimits.PidsMax = other.DefaultLimits.PidsMax
	}
}
