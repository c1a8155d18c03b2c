package process

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
)

// EnvironmentBlock is a set of environment variables whose names compare
// case-insensitively. The spelling of the most recent Set wins.
type EnvironmentBlock struct {
	entries map[string]envEntry
}

type envEntry struct {
	name  string
	value string
}

// NewEnvironmentBlock builds a block from vars.
func NewEnvironmentBlock(vars map[string]string) *EnvironmentBlock {
	block := &EnvironmentBlock{entries: make(map[string]envEntry, len(vars))}
	for name, value := range vars {
		block.Set(name, value)
	}
	return block
}

// ParseEnviron builds a block from "NAME=value" pairs as returned by os.Environ.
// Entries without '=' are ignored.
func ParseEnviron(environ []string) *EnvironmentBlock {
	block := &EnvironmentBlock{entries: make(map[string]envEntry, len(environ))}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		block.Set(name, value)
	}
	return block
}

// Set adds or replaces a variable.
func (b *EnvironmentBlock) Set(name, value string) {
	if b.entries == nil {
		b.entries = make(map[string]envEntry)
	}
	b.entries[strings.ToUpper(name)] = envEntry{name: name, value: value}
}

// Get looks a variable up regardless of case.
func (b *EnvironmentBlock) Get(name string) (string, bool) {
	if b == nil {
		return "", false
	}
	entry, ok := b.entries[strings.ToUpper(name)]
	return entry.value, ok
}

// Len is the number of variables in the block.
func (b *EnvironmentBlock) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Merge returns a new block holding b's variables overridden by other's.
func (b *EnvironmentBlock) Merge(other *EnvironmentBlock) *EnvironmentBlock {
	merged := &EnvironmentBlock{entries: make(map[string]envEntry, b.Len()+other.Len())}
	if b != nil {
		for key, entry := range b.entries {
			merged.entries[key] = entry
		}
	}
	if other != nil {
		for key, entry := range other.entries {
			merged.entries[key] = entry
		}
	}
	return merged
}

// ToMap returns the variables keyed by their stored spelling.
func (b *EnvironmentBlock) ToMap() map[string]string {
	out := make(map[string]string, b.Len())
	if b == nil {
		return out
	}
	for _, entry := range b.entries {
		out[entry.name] = entry.value
	}
	return out
}

// Environ renders the block as sorted "NAME=value" pairs for exec.Cmd.
func (b *EnvironmentBlock) Environ() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, entry.name+"="+entry.value)
	}
	sort.Strings(out)
	return out
}

// EnvironmentProvider supplies the environment a process gets when its
// run-spec does not name one.
type EnvironmentProvider interface {
	// DefaultEnvironment returns the caller's inherited environment when cred
	// is nil, and the login environment of cred's user otherwise.
	DefaultEnvironment(cred *Credential) (*EnvironmentBlock, error)
}

// DefaultPath is the PATH given to processes started for a container user.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// HostEnvironment derives environments from this process and the system user database.
type HostEnvironment struct {
	// Environ returns the inherited environment; os.Environ when nil.
	Environ func() []string
	// LookupUser resolves a user name; user.Lookup when nil.
	LookupUser func(name string) (*user.User, error)
}

// DefaultEnvironment implements EnvironmentProvider.
func (h HostEnvironment) DefaultEnvironment(cred *Credential) (*EnvironmentBlock, error) {
	if cred == nil {
		environ := h.Environ
		if environ == nil {
			environ = os.Environ
		}
		return ParseEnviron(environ()), nil
	}

	home := cred.HomeDir
	if home == "" {
		lookup := h.LookupUser
		if lookup == nil {
			lookup = user.Lookup
		}
		u, err := lookup(cred.Username)
		if err != nil {
			return nil, fmt.Errorf("look up user %s: %w", cred.Username, err)
		}
		home = u.HomeDir
	}

	return NewEnvironmentBlock(map[string]string{
		"HOME":    home,
		"USER":    cred.Username,
		"LOGNAME": cred.Username,
		"SHELL":   "/bin/sh",
		"PATH":    DefaultPath,
		"TMPDIR":  "/tmp",
	}), nil
}

// StaticEnvironment always returns the same environment.
type StaticEnvironment map[string]string

// DefaultEnvironment implements EnvironmentProvider.
func (s StaticEnvironment) DefaultEnvironment(*Credential) (*EnvironmentBlock, error) {
	return NewEnvironmentBlock(s), nil
}
