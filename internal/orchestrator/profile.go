package orchestrator

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
)

// SecurityProfile is the hardening applied to every unit. It is policy, not
// per-request input.
type SecurityProfile struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NoFile      int64
	TmpfsSize   string
}

// DefaultSecurityProfile returns 128MB of memory, half a core, 64 processes
// and 256 open files.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		MemoryBytes: 128 * units.MiB,
		NanoCPUs:    500_000_000,
		PidsLimit:   64,
		NoFile:      256,
		TmpfsSize:   "64m",
	}
}

// ParseSecurityProfile builds a profile from human-readable limits such as
// "128m" and 0.5.
func ParseSecurityProfile(memory string, cpus float64, pids, nofile int64, tmpfsSize string) (SecurityProfile, error) {
	mem, err := units.RAMInBytes(memory)
	if err != nil {
		return SecurityProfile{}, fmt.Errorf("parse memory limit %q: %w", memory, err)
	}
	if mem <= 0 {
		return SecurityProfile{}, fmt.Errorf("memory limit must be positive, got %q", memory)
	}
	if cpus <= 0 {
		return SecurityProfile{}, fmt.Errorf("cpu limit must be positive, got %v", cpus)
	}
	if pids <= 0 || nofile <= 0 {
		return SecurityProfile{}, fmt.Errorf("pids and nofile limits must be positive")
	}
	if _, err := units.RAMInBytes(tmpfsSize); err != nil {
		return SecurityProfile{}, fmt.Errorf("parse tmpfs size %q: %w", tmpfsSize, err)
	}
	return SecurityProfile{
		MemoryBytes: mem,
		NanoCPUs:    int64(cpus * 1_000_000_000),
		PidsLimit:   pids,
		NoFile:      nofile,
		TmpfsSize:   tmpfsSize,
	}, nil
}

// keepAliveCmd holds the unit open; shells are started with exec.
var keepAliveCmd = []string{"sleep", "infinity"}

// buildUnitConfig renders the container and host configuration for a unit.
// Every unit goes through here so none can be created without the profile.
func buildUnitConfig(spec UnitSpec, p SecurityProfile) (*container.Config, *container.HostConfig) {
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelManagedBy] = managedByValue
	if spec.SessionID != "" {
		labels[LabelSession] = spec.SessionID
	}

	tmpfs := map[string]string{
		"/tmp": fmt.Sprintf("rw,noexec,nosuid,nodev,size=%s", p.TmpfsSize),
	}
	if spec.Workdir != "" && spec.Workdir != "/tmp" {
		tmpfs[spec.Workdir] = fmt.Sprintf("rw,exec,nosuid,nodev,size=%s,mode=1777", p.TmpfsSize)
	}

	containerCfg := &container.Config{
		Image:           spec.Image,
		Cmd:             keepAliveCmd,
		Env:             spec.Env,
		User:            spec.User,
		WorkingDir:      spec.Workdir,
		Hostname:        "sandbox",
		Labels:          labels,
		NetworkDisabled: true,
	}

	initProc := true
	pids := p.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs:          tmpfs,
		Init:           &initProc,
		IpcMode:        container.IpcMode("private"),
		LogConfig:      container.LogConfig{Type: "none"},
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			Memory:     p.MemoryBytes,
			MemorySwap: p.MemoryBytes,
			NanoCPUs:   p.NanoCPUs,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: p.NoFile, Hard: p.NoFile},
			},
		},
	}

	return containerCfg, hostCfg
}
