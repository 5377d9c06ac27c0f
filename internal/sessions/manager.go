package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/environments"
	"github.com/gluk-w/sandboxd/internal/logutil"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/status"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrNotRunning        = errors.New("session is not running")
	ErrCircuitOpen       = errors.New("session creation is temporarily unavailable")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrCreateTimeout     = errors.New("session creation timed out")
	ErrCreateFailed      = errors.New("session creation failed")
)

// Defaults used when an Options field is zero.
const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultMaxLifetime   = 30 * time.Minute
	DefaultCreateTimeout = 60 * time.Second
	DefaultTombstoneTTL  = time.Hour
)

// destroyTimeout bounds the engine call that removes a unit. It runs on a
// context detached from the caller so a cancelled request cannot leak a unit.
const destroyTimeout = 30 * time.Second

// Options tunes session timing.
type Options struct {
	IdleTimeout   time.Duration
	MaxLifetime   time.Duration
	CreateTimeout time.Duration
	TombstoneTTL  time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = DefaultMaxLifetime
	}
	if o.CreateTimeout <= 0 {
		o.CreateTimeout = DefaultCreateTimeout
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = DefaultTombstoneTTL
	}
	return o
}

// DestroyHook is called once per session when it leaves RUNNING (or
// STARTING), before its unit is destroyed. final is DESTROYED or EXPIRED.
type DestroyHook func(sessionID string, final State)

// CreateRequest is the input to Create.
type CreateRequest struct {
	ToolPair    string
	Environment string
	ClientID    string
}

// Manager owns every session. The map lock only guards membership; each
// session carries its own mutex.
type Manager struct {
	units     orchestrator.UnitManager
	envs      *environments.Registry
	admission *admission.Store
	breaker   *status.Breaker
	opts      Options

	mu       sync.RWMutex
	sessions map[string]*session

	hooksMu sync.RWMutex
	hooks   []DestroyHook

	nowFn func() time.Time
}

// NewManager creates a Manager. breaker may be nil.
func NewManager(units orchestrator.UnitManager, envs *environments.Registry, adm *admission.Store, breaker *status.Breaker, opts Options) *Manager {
	return &Manager{
		units:     units,
		envs:      envs,
		admission: adm,
		breaker:   breaker,
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*session),
		nowFn:     time.Now,
	}
}

// OnDestroy registers a hook run for every session teardown.
func (m *Manager) OnDestroy(hook DestroyHook) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hooksMu.Unlock()
}

// Create admits, allocates and starts a new session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	if m.breaker != nil {
		if st := m.breaker.GetStatus(); st.IsOpen {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, st.Reason)
		}
	}

	env, err := m.envs.Resolve(req.ToolPair, req.Environment)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if d := m.admission.CheckAndRecordSessionCreation(req.ClientID, id); d != nil {
		return nil, d
	}

	now := m.nowFn()
	s := &session{
		id:          id,
		clientID:    req.ClientID,
		toolPair:    strings.ToLower(strings.TrimSpace(req.ToolPair)),
		env:         env,
		state:       StateStarting,
		createdAt:   now,
		expiresAt:   now.Add(m.opts.MaxLifetime),
		lastActive:  now,
		idleTimeout: m.opts.IdleTimeout,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Printf("[session-mgr] session %s starting (env=%s, client=%s)",
		id, env.Name, logutil.SanitizeForLog(req.ClientID))
	database.RecordEvent(database.SessionEvent{
		SessionID:   id,
		ClientID:    req.ClientID,
		Event:       database.EventCreated,
		Environment: env.Name,
		ToolPair:    s.toolPair,
	})

	cctx, cancel := context.WithTimeout(ctx, m.opts.CreateTimeout)
	defer cancel()
	info, err := m.units.CreateUnit(cctx, orchestrator.UnitSpec{
		Name:      "sandboxd-" + id,
		SessionID: id,
		Image:     env.Image,
		Env:       env.Env,
		User:      env.User,
		Workdir:   env.Workdir,
		Labels:    map[string]string{orchestrator.LabelEnvironment: env.Name},
	})
	if err != nil {
		err = m.classifyCreateError(cctx, err)
		m.failCreate(s, err)
		return nil, err
	}

	s.mu.Lock()
	s.unitID = info.ID
	if s.state == StateDestroying {
		final := s.finalState
		s.mu.Unlock()
		log.Printf("[session-mgr] session %s destroyed while starting, removing unit %s", id, info.ID)
		m.finishDestroy(ctx, s, final)
		return nil, fmt.Errorf("%w: session destroyed while starting", ErrCreateFailed)
	}
	s.state = StateRunning
	s.lastActive = m.nowFn()
	s.idleTimer = time.AfterFunc(m.opts.IdleTimeout, func() { m.expire(id, "idle timeout") })
	s.maxLifeTmr = time.AfterFunc(s.expiresAt.Sub(m.nowFn()), func() { m.expire(id, "max lifetime reached") })
	snap := s.snapshot()
	s.mu.Unlock()

	log.Printf("[session-mgr] session %s running on unit %s", id, info.ID)
	database.RecordEvent(database.SessionEvent{SessionID: id, Event: database.EventRunning, UnitID: info.ID})
	return snap, nil
}

func (m *Manager) classifyCreateError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrCreateTimeout, m.opts.CreateTimeout, err)
	case errors.Is(err, orchestrator.ErrEngineUnavailable):
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
}

// failCreate drops a session whose unit never came up. No unit exists, so
// there is nothing to destroy; the ID was never handed out, so no tombstone.
func (m *Manager) failCreate(s *session, err error) {
	s.mu.Lock()
	s.state = StateDestroyed
	s.endedAt = m.nowFn()
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.admission.ReleaseSession(s.clientID, s.id)
	log.Printf("[session-mgr] session %s failed to start: %v", s.id, err)
	database.RecordEvent(database.SessionEvent{SessionID: s.id, Event: database.EventFailed, Detail: err.Error()})
}

func (m *Manager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Get returns a snapshot of the session, including tombstones.
func (m *Manager) Get(id string) (*Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Lookup returns the attach target for a RUNNING session.
func (m *Manager) Lookup(id string) (*Target, error) {
	s := m.lookup(id)
	if s == nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, s.state)
	}
	return &Target{SessionID: s.id, UnitID: s.unitID, ClientID: s.clientID, Environment: s.env}, nil
}

// Touch records activity and restarts the idle timer. The max-lifetime
// timer is never extended.
func (m *Manager) Touch(id string) {
	s := m.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.lastActive = m.nowFn()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

// Destroy tears the session down. It is idempotent: unknown, destroying and
// ended sessions are no-ops.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.destroy(ctx, id, StateDestroyed, "destroy requested")
	return nil
}

func (m *Manager) expire(id, why string) {
	m.destroy(context.Background(), id, StateExpired, why)
}

// destroy is the single guarded transition out of STARTING or RUNNING.
func (m *Manager) destroy(ctx context.Context, id string, final State, why string) {
	s := m.lookup(id)
	if s == nil {
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateStarting:
		// The creation path removes the unit once the engine call returns.
		s.state = StateDestroying
		s.finalState = final
		s.mu.Unlock()
		log.Printf("[session-mgr] session %s marked for teardown while starting (%s)", id, why)
		return
	case StateRunning:
		s.state = StateDestroying
		s.finalState = final
		s.stopTimers()
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return
	}

	log.Printf("[session-mgr] session %s destroying (%s)", id, why)
	m.finishDestroy(ctx, s, final)
}

// finishDestroy runs hooks, removes the unit and records the final state.
// Only the caller that won the DESTROYING transition gets here.
func (m *Manager) finishDestroy(ctx context.Context, s *session, final State) {
	m.hooksMu.RLock()
	hooks := append([]DestroyHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(s.id, final)
	}

	s.mu.Lock()
	unitID := s.unitID
	s.mu.Unlock()

	if unitID != "" {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		if err := m.units.DestroyUnit(dctx, unitID); err != nil {
			// The orphan reaper retries labelled units nobody owns.
			log.Printf("[session-mgr] session %s: destroy unit %s: %v", s.id, unitID, err)
		}
		cancel()
	}

	s.mu.Lock()
	s.state = final
	s.endedAt = m.nowFn()
	s.mu.Unlock()

	m.admission.ReleaseSession(s.clientID, s.id)

	event := database.EventDestroyed
	if final == StateExpired {
		event = database.EventExpired
	}
	log.Printf("[session-mgr] session %s %s", s.id, strings.ToLower(string(final)))
	database.RecordEvent(database.SessionEvent{SessionID: s.id, Event: event, UnitID: unitID})
}

// List returns every tracked session, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, *s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of sessions that hold, or may hold, a unit.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, snap := range m.List() {
		if snap.State.Live() {
			n++
		}
	}
	return n
}

// IsLive reports whether sessionID is STARTING, RUNNING or DESTROYING.
func (m *Manager) IsLive(sessionID string) bool {
	s := m.lookup(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Live()
}

// OwnsUnit reports whether a live session is bound to unitID.
func (m *Manager) OwnsUnit(unitID string) bool {
	for _, snap := range m.List() {
		if snap.UnitID == unitID && snap.State.Live() {
			return true
		}
	}
	return false
}

// PruneTombstones forgets ended sessions older than the tombstone TTL and
// returns how many were removed.
func (m *Manager) PruneTombstones() int {
	cutoff := m.nowFn().Add(-m.opts.TombstoneTTL)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.state.Terminal() && s.endedAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Shutdown destroys every live session, waiting until they finish or ctx
// is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	var ids []string
	for _, snap := range m.List() {
		if snap.State == StateStarting || snap.State == StateRunning {
			ids = append(ids, snap.SessionID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	log.Printf("[session-mgr] shutdown: destroying %d session(s)", len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.destroy(ctx, id, StateDestroyed, "shutdown")
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
