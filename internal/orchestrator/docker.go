package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/gluk-w/sandboxd/internal/logutil"
)

// engine is the slice of the Docker API the orchestrator needs. It is kept
// narrow so tests can substitute the daemon.
type engine interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (*UnitInfo, error)
	List(ctx context.Context) ([]UnitInfo, error)
	Pull(ctx context.Context, ref string) error
	ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error)
	ExecAttach(ctx context.Context, execID string, rows, cols uint) (*ExecSession, error)
	ExecResize(ctx context.Context, execID string, rows, cols uint) error
}

// DockerOptions configures the connection to the Docker daemon.
type DockerOptions struct {
	Host       string
	TLSCACert  string
	TLSCert    string
	TLSKey     string
	PullImages bool
	MaxUnits   int
	Profile    SecurityProfile
}

type DockerOrchestrator struct {
	engine     engine
	profile    SecurityProfile
	pullImages bool
	maxUnits   int

	mu           sync.Mutex
	owned        map[string]struct{} // unit IDs created by this process and not yet destroyed
	reservations uint64
}

// NewDockerOrchestrator connects to the Docker daemon and verifies it is
// reachable.
func NewDockerOrchestrator(ctx context.Context, opts DockerOptions) (*DockerOrchestrator, error) {
	clientOpts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.Host))
	}
	if opts.TLSCert != "" || opts.TLSCACert != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   opts.TLSCACert,
			CertFile: opts.TLSCert,
			KeyFile:  opts.TLSKey,
		})
		if err != nil {
			return nil, fmt.Errorf("docker tls config: %w", err)
		}
		clientOpts = append(clientOpts, dockerclient.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}

	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	d := newDockerOrchestrator(&dockerEngine{client: cli}, opts)
	if err := d.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	log.Println("[docker] daemon connected")
	return d, nil
}

func newDockerOrchestrator(e engine, opts DockerOptions) *DockerOrchestrator {
	profile := opts.Profile
	if profile.MemoryBytes == 0 {
		profile = DefaultSecurityProfile()
	}
	return &DockerOrchestrator{
		engine:     e,
		profile:    profile,
		pullImages: opts.PullImages,
		maxUnits:   opts.MaxUnits,
		owned:      make(map[string]struct{}),
	}
}

func (d *DockerOrchestrator) Ping(ctx context.Context) error {
	if err := d.engine.Ping(ctx); err != nil {
		return translateEngineError(err)
	}
	return nil
}

// reserve claims a slot against the unit cap. The returned release func must
// be called if the unit does not end up owned.
func (d *DockerOrchestrator) reserve() (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxUnits > 0 && len(d.owned) >= d.maxUnits {
		return nil, fmt.Errorf("%w: %d units allocated (max %d)", ErrResourceExhausted, len(d.owned), d.maxUnits)
	}
	d.reservations++
	placeholder := fmt.Sprintf("reservation-%d", d.reservations)
	d.owned[placeholder] = struct{}{}
	return func() {
		d.mu.Lock()
		delete(d.owned, placeholder)
		d.mu.Unlock()
	}, nil
}

// CreateUnit creates and starts a unit with the security profile applied.
// Creation is transactional: on any failure after the container exists it
// is force-removed before the error is returned.
func (d *DockerOrchestrator) CreateUnit(ctx context.Context, spec UnitSpec) (*UnitInfo, error) {
	release, err := d.reserve()
	if err != nil {
		return nil, err
	}
	defer release()

	containerCfg, hostCfg := buildUnitConfig(spec, d.profile)

	id, err := d.engine.Create(ctx, spec.Name, containerCfg, hostCfg)
	if err != nil && cerrdefs.IsNotFound(err) && d.pullImages {
		log.Printf("[docker] image %s not found locally, pulling...", logutil.SanitizeForLog(spec.Image))
		if pullErr := d.engine.Pull(ctx, spec.Image); pullErr != nil {
			if cerrdefs.IsNotFound(pullErr) || cerrdefs.IsUnauthorized(pullErr) {
				return nil, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
			}
			return nil, fmt.Errorf("pull image %s: %w", spec.Image, translateEngineError(pullErr))
		}
		id, err = d.engine.Create(ctx, spec.Name, containerCfg, hostCfg)
	}
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return nil, fmt.Errorf("create unit: %w", translateEngineError(err))
	}

	if err := d.engine.Start(ctx, id); err != nil {
		d.rollback(id)
		return nil, fmt.Errorf("start unit: %w", translateEngineError(err))
	}

	info, err := d.engine.Inspect(ctx, id)
	if err != nil {
		d.rollback(id)
		return nil, fmt.Errorf("inspect unit: %w", translateEngineError(err))
	}
	if !info.Running {
		d.rollback(id)
		return nil, fmt.Errorf("%w: unit %s exited immediately (state %s)", ErrResourceExhausted, shortID(id), info.State)
	}

	d.mu.Lock()
	d.owned[id] = struct{}{}
	d.mu.Unlock()

	log.Printf("[docker] created unit %s (%s) for session %s", shortID(id), logutil.SanitizeForLog(spec.Image), logutil.SanitizeForLog(spec.SessionID))
	return info, nil
}

// rollback removes a partially created unit. It runs on a fresh context so a
// cancelled creation still cleans up.
func (d *DockerOrchestrator) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.engine.Remove(ctx, id); err != nil && !cerrdefs.IsNotFound(err) {
		log.Printf("[docker] rollback of unit %s failed: %v", shortID(id), err)
	}
}

// DestroyUnit force-removes a unit. A unit that is already gone is not an
// error.
func (d *DockerOrchestrator) DestroyUnit(ctx context.Context, unitID string) error {
	d.mu.Lock()
	delete(d.owned, unitID)
	d.mu.Unlock()

	err := d.engine.Remove(ctx, unitID)
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove unit %s: %w", shortID(unitID), translateEngineError(err))
	}
	return nil
}

func (d *DockerOrchestrator) GetUnit(ctx context.Context, unitID string) (*UnitInfo, error) {
	info, err := d.engine.Inspect(ctx, unitID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, shortID(unitID))
		}
		return nil, translateEngineError(err)
	}
	return info, nil
}

// ListUnits returns every container carrying the sandboxd label, including
// ones left behind by an earlier process.
func (d *DockerOrchestrator) ListUnits(ctx context.Context) ([]UnitInfo, error) {
	list, err := d.engine.List(ctx)
	if err != nil {
		return nil, translateEngineError(err)
	}
	return list, nil
}

// OwnedCount returns how many units this process currently holds.
func (d *DockerOrchestrator) OwnedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.owned)
}

// ExecShell starts an interactive TTY process inside a unit.
func (d *DockerOrchestrator) ExecShell(ctx context.Context, unitID string, params ExecParams) (*ExecSession, error) {
	rows, cols := params.Rows, params.Cols
	if rows == 0 || cols == 0 {
		rows, cols = 24, 80
	}

	execCfg := container.ExecOptions{
		Cmd:          params.Cmd,
		Env:          params.Env,
		User:         params.User,
		WorkingDir:   params.Workdir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{rows, cols},
	}

	execID, err := d.engine.ExecCreate(ctx, unitID, execCfg)
	if err != nil {
		if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
			return nil, fmt.Errorf("%w: %w: %s", ErrExecCreateFailed, ErrUnitNotFound, shortID(unitID))
		}
		return nil, fmt.Errorf("%w: %w", ErrExecCreateFailed, translateEngineError(err))
	}

	session, err := d.engine.ExecAttach(ctx, execID, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecStartFailed, translateEngineError(err))
	}
	return session, nil
}

func (d *DockerOrchestrator) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	if err := d.engine.ExecResize(ctx, execID, rows, cols); err != nil {
		return fmt.Errorf("%w: %w", ErrResizeFailed, translateEngineError(err))
	}
	return nil
}

// translateEngineError maps transport-level failures onto
// ErrEngineUnavailable and leaves other errors wrapped as-is.
func translateEngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEngineUnavailable):
		return err
	case dockerclient.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	case cerrdefs.IsResourceExhausted(err):
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	default:
		return err
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// dockerEngine adapts the Docker client to the engine interface.
type dockerEngine struct {
	client *dockerclient.Client
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

func (e *dockerEngine) Create(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	return e.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	return e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (e *dockerEngine) Inspect(ctx context.Context, id string) (*UnitInfo, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &UnitInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
		info.SessionID = inspect.Config.Labels[LabelSession]
		info.Environment = inspect.Config.Labels[LabelEnvironment]
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Running = inspect.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	return info, nil
}

func (e *dockerEngine) List(ctx context.Context) ([]UnitInfo, error) {
	list, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]UnitInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, UnitInfo{
			ID:          c.ID,
			Name:        name,
			Image:       c.Image,
			State:       string(c.State),
			Running:     c.State == "running",
			SessionID:   c.Labels[LabelSession],
			Environment: c.Labels[LabelEnvironment],
			CreatedAt:   time.Unix(c.Created, 0),
			Labels:      c.Labels,
		})
	}
	return out, nil
}

func (e *dockerEngine) Pull(ctx context.Context, ref string) error {
	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error) {
	resp, err := e.client.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) ExecAttach(ctx context.Context, execID string, rows, cols uint) (*ExecSession, error) {
	resp, err := e.client.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: &[2]uint{rows, cols},
	})
	if err != nil {
		return nil, err
	}
	return NewExecSession(execID, resp.Conn, resp.Reader, func() error {
		resp.Close()
		return nil
	}), nil
}

func (e *dockerEngine) ExecResize(ctx context.Context, execID string, rows, cols uint) error {
	return e.client.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
}

var _ UnitManager = (*DockerOrchestrator)(nil)
