// Package environments holds the static catalog of runnable sandbox
// environments and the tool pairs that select them.
package environments

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownEnvironment is returned when neither a tool pair nor an
// environment name resolves to a catalog entry.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environment describes the image and shell a unit is started with.
type Environment struct {
	Name         string   `yaml:"name" json:"name"`
	Image        string   `yaml:"image" json:"image"`
	ShellCommand []string `yaml:"shell" json:"shellCommand"`
	Env          []string `yaml:"env" json:"env,omitempty"`
	User         string   `yaml:"user" json:"user,omitempty"`
	Workdir      string   `yaml:"workdir" json:"workdir,omitempty"`
}

// ToolPair maps a public tool-pair identifier (e.g. "jj-git") onto the
// environment whose image carries both tools.
type ToolPair struct {
	Name        string `yaml:"name" json:"name"`
	Environment string `yaml:"environment" json:"environment"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// DefaultWorkdir is the writable working directory of every unit.
const DefaultWorkdir = "/workspace"

var defaultShell = []string{"/bin/bash", "-l"}

// Registry is read-only after Load returns.
type Registry struct {
	envs           map[string]Environment
	pairs          map[string]ToolPair
	defaultEnvName string
}

type catalogFile struct {
	Environments []Environment `yaml:"environments"`
	ToolPairs    []ToolPair    `yaml:"toolPairs"`
}

// Builtin returns the built-in catalog. Image names are prefixed with
// imagePrefix (e.g. "sandboxd/env-" gives "sandboxd/env-bash:latest").
func Builtin(imagePrefix, defaultEnv string) *Registry {
	r := &Registry{
		envs:           make(map[string]Environment),
		pairs:          make(map[string]ToolPair),
		defaultEnvName: defaultEnv,
	}
	for _, e := range []Environment{
		{Name: "bash", ShellCommand: defaultShell},
		{Name: "node", ShellCommand: defaultShell, Env: []string{"NODE_ENV=development"}},
		{Name: "python", ShellCommand: defaultShell, Env: []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"}},
		{Name: "scala", ShellCommand: defaultShell, Env: []string{"SBT_OPTS=-Xmx96m"}},
		{Name: "typescript", ShellCommand: defaultShell, Env: []string{"NODE_ENV=development"}},
		{Name: "vcs", ShellCommand: defaultShell, Env: []string{"GIT_AUTHOR_NAME=Sandbox", "GIT_AUTHOR_EMAIL=sandbox@localhost", "GIT_COMMITTER_NAME=Sandbox", "GIT_COMMITTER_EMAIL=sandbox@localhost"}},
	} {
		e.Image = imagePrefix + e.Name + ":latest"
		r.addEnvironment(e)
	}
	for _, p := range []ToolPair{
		{Name: "jj-git", Environment: "vcs", Description: "Jujutsu alongside Git"},
		{Name: "git-only", Environment: "vcs", Description: "Plain Git"},
		{Name: "npm-pnpm", Environment: "node", Description: "npm and pnpm"},
		{Name: "pip-uv", Environment: "python", Description: "pip and uv"},
		{Name: "sbt-mill", Environment: "scala", Description: "sbt and Mill"},
		{Name: "tsc-deno", Environment: "typescript", Description: "tsc and Deno"},
	} {
		r.pairs[p.Name] = p
	}
	return r
}

// Load returns the built-in catalog extended (and overridden by name) with
// the YAML file at path, if one is given.
func Load(path, imagePrefix, defaultEnv string) (*Registry, error) {
	r := Builtin(imagePrefix, defaultEnv)
	if path == "" {
		return r, r.validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environments file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse environments file %s: %w", path, err)
	}
	for _, e := range file.Environments {
		if e.Name == "" || e.Image == "" {
			return nil, fmt.Errorf("environment entry %q: name and image are required", e.Name)
		}
		if len(e.ShellCommand) == 0 {
			e.ShellCommand = defaultShell
		}
		r.addEnvironment(e)
	}
	for _, p := range file.ToolPairs {
		if p.Name == "" {
			return nil, errors.New("tool pair entry without name")
		}
		r.pairs[p.Name] = p
	}
	return r, r.validate()
}

func (r *Registry) addEnvironment(e Environment) {
	if e.Workdir == "" {
		e.Workdir = DefaultWorkdir
	}
	r.envs[e.Name] = e
}

func (r *Registry) validate() error {
	if _, ok := r.envs[r.defaultEnvName]; !ok {
		return fmt.Errorf("default environment %q is not in the catalog", r.defaultEnvName)
	}
	for _, p := range r.pairs {
		if _, ok := r.envs[p.Environment]; !ok {
			return fmt.Errorf("tool pair %q references unknown environment %q", p.Name, p.Environment)
		}
	}
	return nil
}

// Get returns the environment with the given name.
func (r *Registry) Get(name string) (Environment, bool) {
	e, ok := r.envs[name]
	return e, ok
}

// Resolve picks the environment for a session request. An explicit
// environment name wins; otherwise the tool pair's environment is used; an
// empty tool pair falls back to the default environment.
func (r *Registry) Resolve(toolPair, environment string) (Environment, error) {
	if environment != "" {
		e, ok := r.envs[environment]
		if !ok {
			return Environment{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, environment)
		}
		return e, nil
	}
	if toolPair == "" {
		return r.envs[r.defaultEnvName], nil
	}
	p, ok := r.pairs[strings.ToLower(toolPair)]
	if !ok {
		return Environment{}, fmt.Errorf("%w: tool pair %q", ErrUnknownEnvironment, toolPair)
	}
	return r.envs[p.Environment], nil
}

// Environments returns the catalog sorted by name.
func (r *Registry) Environments() []Environment {
	out := make([]Environment, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolPairs returns the tool pairs sorted by name.
func (r *Registry) ToolPairs() []ToolPair {
	out := make([]ToolPair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
