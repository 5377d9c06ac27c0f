package sessions

import (
	"sync"
	"time"

	"github.com/gluk-w/sandboxd/internal/environments"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle       State = "IDLE"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateDestroying State = "DESTROYING"
	StateDestroyed  State = "DESTROYED"
	StateExpired    State = "EXPIRED"
)

// Live reports whether a unit may exist for a session in this state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateDestroying
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateDestroyed || s == StateExpired
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	SessionID      string     `json:"sessionId"`
	UnitID         string     `json:"unitId,omitempty"`
	ClientID       string     `json:"clientId"`
	ToolPair       string     `json:"toolPair"`
	Environment    string     `json:"environment"`
	State          State      `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Target is what the terminal proxy needs to attach to a running session.
type Target struct {
	SessionID   string
	UnitID      string
	ClientID    string
	Environment environments.Environment
}

type session struct {
	mu sync.Mutex

	id          string
	clientID    string
	toolPair    string
	env         environments.Environment
	unitID      string
	state       State
	createdAt   time.Time
	expiresAt   time.Time
	lastActive  time.Time
	endedAt     time.Time
	finalState  State // set when DESTROYING is entered
	idleTimer   *time.Timer
	maxLifeTmr  *time.Timer
	idleTimeout time.Duration
}

// snapshot must be called with s.mu held.
func (s *session) snapshot() *Snapshot {
	snap := &Snapshot{
		SessionID:      s.id,
		UnitID:         s.unitID,
		ClientID:       s.clientID,
		ToolPair:       s.toolPair,
		Environment:    s.env.Name,
		State:          s.state,
		CreatedAt:      s.createdAt,
		ExpiresAt:      s.expiresAt,
		LastActivityAt: s.lastActive,
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}

// stopTimers must be called with s.mu held.
func (s *session) stopTimers() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.maxLifeTmr != nil {
		s.maxLifeTmr.Stop()
	}
}
