package environments

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinCatalog(t *testing.T) {
	r, err := Load("", "sandboxd/env-", "bash")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, name := range []string{"bash", "node", "python", "scala", "typescript"} {
		e, ok := r.Get(name)
		if !ok {
			t.Errorf("expected builtin environment %q", name)
			continue
		}
		if e.Image != "sandboxd/env-"+name+":latest" {
			t.Errorf("environment %s: unexpected image %q", name, e.Image)
		}
		if len(e.ShellCommand) == 0 {
			t.Errorf("environment %s: empty shell command", name)
		}
		if e.Workdir != DefaultWorkdir {
			t.Errorf("environment %s: expected workdir %s, got %s", name, DefaultWorkdir, e.Workdir)
		}
	}
}

func TestResolve(t *testing.T) {
	r := Builtin("img-", "bash")

	tests := []struct {
		name        string
		toolPair    string
		environment string
		want        string
		wantErr     bool
	}{
		{"tool pair", "jj-git", "", "vcs", false},
		{"tool pair case insensitive", "JJ-Git", "", "vcs", false},
		{"explicit environment wins", "jj-git", "python", "python", false},
		{"empty falls back to default", "", "", "bash", false},
		{"unknown tool pair", "cvs-svn", "", "", true},
		{"unknown environment", "", "cobol", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := r.Resolve(tt.toolPair, tt.environment)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownEnvironment) {
					t.Fatalf("expected ErrUnknownEnvironment, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if e.Name != tt.want {
				t.Errorf("expected %s, got %s", tt.want, e.Name)
			}
		})
	}
}

func TestLoadFileOverridesAndExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envs.yaml")
	content := `
environments:
  - name: bash
    image: custom/bash:1.0
  - name: rust
    image: custom/rust:1.80
    shell: ["/bin/sh"]
    env: ["CARGO_HOME=/workspace/.cargo"]
toolPairs:
  - name: cargo-rustup
    environment: rust
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path, "sandboxd/env-", "bash")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	bash, _ := r.Get("bash")
	if bash.Image != "custom/bash:1.0" {
		t.Errorf("expected overridden bash image, got %s", bash.Image)
	}
	if len(bash.ShellCommand) != 2 || bash.ShellCommand[0] != "/bin/bash" {
		t.Errorf("expected default shell for override without shell, got %v", bash.ShellCommand)
	}

	e, err := r.Resolve("cargo-rustup", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Name != "rust" || e.ShellCommand[0] != "/bin/sh" {
		t.Errorf("unexpected rust environment: %+v", e)
	}
}

func TestLoadRejectsDanglingToolPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envs.yaml")
	content := "toolPairs:\n  - name: broken\n    environment: nowhere\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, "x-", "bash"); err == nil {
		t.Fatal("expected error for tool pair referencing unknown environment")
	}
}

func TestLoadRejectsUnknownDefault(t *testing.T) {
	if _, err := Load("", "x-", "fortran"); err == nil {
		t.Fatal("expected error for unknown default environment")
	}
}

func TestListingsAreSorted(t *testing.T) {
	r := Builtin("x-", "bash")
	envs := r.Environments()
	for i := 1; i < len(envs); i++ {
		if envs[i-1].Name > envs[i].Name {
			t.Fatalf("environments not sorted: %s before %s", envs[i-1].Name, envs[i].Name)
		}
	}
	pairs := r.ToolPairs()
	for i := 1; i < len(pairs); i++ {
		if pairs[i-1].Name > pairs[i].Name {
			t.Fatalf("tool pairs not sorted: %s before %s", pairs[i-1].Name, pairs[i].Name)
		}
	}
}
