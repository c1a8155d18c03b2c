package process

import (
	"errors"
	"os/user"
	"testing"
)

func TestEnvironmentBlockFromMap(t *testing.T) {
	t.Parallel()

	env := NewEnvironmentBlock(map[string]string{"FOO": "BAR"})
	m := env.ToMap()
	if len(m) != 1 || m["FOO"] != "BAR" {
		t.Fatalf("ToMap() = %v", m)
	}
}

func TestEnvironmentBlockIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	env := ParseEnviron([]string{"Path=/bin", "ignored", "=nokey"})
	if env.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", env.Len())
	}
	if v, ok := env.Get("PATH"); !ok || v != "/bin" {
		t.Fatalf("Get(PATH) = %q, %v", v, ok)
	}

	env.Set("PATH", "/usr/bin")
	if env.Len() != 1 {
		t.Fatalf("Len() = %d after case-variant Set, want 1", env.Len())
	}
	if got := env.Environ(); len(got) != 1 || got[0] != "PATH=/usr/bin" {
		t.Fatalf("Environ() = %v", got)
	}
}

func TestEnvironmentMergeOverwritesOld(t *testing.T) {
	t.Parallel()

	base := NewEnvironmentBlock(map[string]string{"HOSTNAME": "box", "TMP": "/tmp"})
	override := NewEnvironmentBlock(map[string]string{"hostname": "FOOBAR"})

	merged := base.Merge(override)
	if merged.Len() != base.Len() {
		t.Fatalf("merged Len() = %d, want %d", merged.Len(), base.Len())
	}
	if v, _ := merged.Get("HOSTNAME"); v != "FOOBAR" {
		t.Fatalf("merged HOSTNAME = %q, want FOOBAR", v)
	}
	if v, _ := base.Get("HOSTNAME"); v != "box" {
		t.Fatalf("Merge mutated receiver: HOSTNAME = %q", v)
	}
}

func TestNilEnvironmentBlock(t *testing.T) {
	t.Parallel()

	var env *EnvironmentBlock
	if env.Len() != 0 || env.Environ() != nil || len(env.ToMap()) != 0 {
		t.Fatal("nil block should behave as empty")
	}
	merged := env.Merge(NewEnvironmentBlock(map[string]string{"A": "1"}))
	if merged.Len() != 1 {
		t.Fatalf("nil.Merge() Len() = %d, want 1", merged.Len())
	}
}

func TestHostEnvironmentInheritsWithoutCredential(t *testing.T) {
	t.Parallel()

	provider := HostEnvironment{Environ: func() []string { return []string{"A=1", "B=2"} }}
	env, err := provider.DefaultEnvironment(nil)
	if err != nil {
		t.Fatalf("DefaultEnvironment() error = %v", err)
	}
	if env.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", env.Len())
	}
}

func TestHostEnvironmentForCredential(t *testing.T) {
	t.Parallel()

	provider := HostEnvironment{
		Environ: func() []string { return []string{"SECRET=leak"} },
		LookupUser: func(name string) (*user.User, error) {
			if name != "c_deadbeef" {
				return nil, errors.New("unknown user")
			}
			return &user.User{Username: name, HomeDir: "/home/c_deadbeef"}, nil
		},
	}

	env, err := provider.DefaultEnvironment(&Credential{Username: "c_deadbeef"})
	if err != nil {
		t.Fatalf("DefaultEnvironment() error = %v", err)
	}
	if _, ok := env.Get("SECRET"); ok {
		t.Fatal("user environment inherited the caller's variables")
	}
	if v, _ := env.Get("HOME"); v != "/home/c_deadbeef" {
		t.Fatalf("HOME = %q", v)
	}
	if v, _ := env.Get("USER"); v != "c_deadbeef" {
		t.Fatalf("USER = %q", v)
	}

	if _, err := provider.DefaultEnvironment(&Credential{Username: "nobody-here"}); err == nil {
		t.Fatal("DefaultEnvironment() for unknown user error = nil")
	}
}
