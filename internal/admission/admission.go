package admission

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/sandboxd/internal/logutil"
)

// Window durations.
const (
	SessionWindow = time.Hour
	CommandWindow = time.Minute
)

// Defaults used when a Limits field is zero.
const (
	DefaultSessionsPerHour         = 10
	DefaultCommandsPerMinute       = 120
	DefaultMaxConcurrentSessions   = 2
	DefaultMaxConcurrentWebSockets = 3
)

// concurrencyRetryAfter is the hint returned when a concurrency cap, rather
// than a time window, denies a request.
const concurrencyRetryAfter = 30 * time.Second

// Limits are process-wide; every client shares them.
type Limits struct {
	SessionsPerHour         int `json:"sessionsPerHour"`
	CommandsPerMinute       int `json:"commandsPerMinute"`
	MaxConcurrentSessions   int `json:"maxConcurrentSessions"`
	MaxConcurrentWebSockets int `json:"maxConcurrentWebSockets"`
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		SessionsPerHour:         DefaultSessionsPerHour,
		CommandsPerMinute:       DefaultCommandsPerMinute,
		MaxConcurrentSessions:   DefaultMaxConcurrentSessions,
		MaxConcurrentWebSockets: DefaultMaxConcurrentWebSockets,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.SessionsPerHour <= 0 {
		l.SessionsPerHour = d.SessionsPerHour
	}
	if l.CommandsPerMinute <= 0 {
		l.CommandsPerMinute = d.CommandsPerMinute
	}
	if l.MaxConcurrentSessions <= 0 {
		l.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if l.MaxConcurrentWebSockets <= 0 {
		l.MaxConcurrentWebSockets = d.MaxConcurrentWebSockets
	}
	return l
}

// Reason identifies why a request was denied.
type Reason string

const (
	ReasonSessionRate        Reason = "session_rate_limited"
	ReasonConcurrentSessions Reason = "concurrent_sessions_exceeded"
	ReasonCommandRate        Reason = "command_rate_limited"
	ReasonConcurrentSockets  Reason = "concurrent_connections_exceeded"
)

// Denial is returned when admission refuses a request. It implements error
// so it can travel through the session manager and terminal proxy unchanged.
type Denial struct {
	Reason     Reason
	Limit      int
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	switch d.Reason {
	case ReasonSessionRate:
		return fmt.Sprintf("session limit of %d per hour reached; retry after %s", d.Limit, d.RetryAfter.Round(time.Second))
	case ReasonConcurrentSessions:
		return fmt.Sprintf("at most %d concurrent sessions allowed", d.Limit)
	case ReasonCommandRate:
		return fmt.Sprintf("command limit of %d per minute reached; retry after %s", d.Limit, d.RetryAfter.Round(time.Second))
	case ReasonConcurrentSockets:
		return fmt.Sprintf("at most %d concurrent terminal connections allowed", d.Limit)
	default:
		return string(d.Reason)
	}
}

// clientEntry is the tracking record for one client. Its mutex serializes
// every check-and-record for that client.
type clientEntry struct {
	mu sync.Mutex

	sessionCount      int
	hourWindowStart   time.Time
	activeSessions    map[string]struct{}
	commandCount      int
	minuteWindowStart time.Time
	activeConnections map[string]struct{}
	lastSeen          time.Time
}

// Store holds the tracking table.
type Store struct {
	mu      sync.Mutex
	limits  Limits
	clients map[string]*clientEntry
	nowFn   func() time.Time // injectable clock for testing
}

// NewStore creates a Store enforcing limits.
func NewStore(limits Limits) *Store {
	return &Store{
		limits:  limits.withDefaults(),
		clients: make(map[string]*clientEntry),
		nowFn:   time.Now,
	}
}

// NewStoreWithClock creates a Store that reads time from now.
func NewStoreWithClock(limits Limits, now func() time.Time) *Store {
	s := NewStore(limits)
	s.nowFn = now
	return s
}

// Limits returns the limits in force.
func (s *Store) Limits() Limits {
	return s.limits
}

// entry returns the locked tracking entry for clientID, creating it lazily.
// The caller must unlock it.
func (s *Store) entry(clientID string) *clientEntry {
	for {
		s.mu.Lock()
		e, ok := s.clients[clientID]
		if !ok {
			e = &clientEntry{
				activeSessions:    make(map[string]struct{}),
				activeConnections: make(map[string]struct{}),
			}
			s.clients[clientID] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		// Prune or Reset may have dropped the entry between the two locks.
		s.mu.Lock()
		current := s.clients[clientID] == e
		s.mu.Unlock()
		if current {
			return e
		}
		e.mu.Unlock()
	}
}

// rollWindows resets counters whose fixed window has fully elapsed.
func (e *clientEntry) rollWindows(now time.Time) {
	if !e.hourWindowStart.IsZero() && now.Sub(e.hourWindowStart) >= SessionWindow {
		e.sessionCount = 0
		e.hourWindowStart = time.Time{}
	}
	if !e.minuteWindowStart.IsZero() && now.Sub(e.minuteWindowStart) >= CommandWindow {
		e.commandCount = 0
		e.minuteWindowStart = time.Time{}
	}
}

// CheckAndRecordSessionCreation admits a new session for clientID and
// records sessionID as active. It returns nil when allowed.
func (s *Store) CheckAndRecordSessionCreation(clientID, sessionID string) *Denial {
	e := s.entry(clientID)
	defer e.mu.Unlock()

	now := s.nowFn()
	e.rollWindows(now)
	e.lastSeen = now

	if len(e.activeSessions) >= s.limits.MaxConcurrentSessions {
		log.Printf("[admission] client %s denied session: %d concurrent (max %d)",
			logutil.SanitizeForLog(clientID), len(e.activeSessions), s.limits.MaxConcurrentSessions)
		return &Denial{Reason: ReasonConcurrentSessions, Limit: s.limits.MaxConcurrentSessions, RetryAfter: concurrencyRetryAfter}
	}
	if e.sessionCount >= s.limits.SessionsPerHour {
		retry := e.hourWindowStart.Add(SessionWindow).Sub(now)
		log.Printf("[admission] client %s denied session: %d this hour (max %d), retry in %s",
			logutil.SanitizeForLog(clientID), e.sessionCount, s.limits.SessionsPerHour, retry.Truncate(time.Second))
		return &Denial{Reason: ReasonSessionRate, Limit: s.limits.SessionsPerHour, RetryAfter: retry}
	}

	if e.hourWindowStart.IsZero() {
		e.hourWindowStart = now
	}
	e.sessionCount++
	e.activeSessions[sessionID] = struct{}{}
	return nil
}

// ReleaseSession removes sessionID from the client's active set. The hourly
// count is not refunded.
func (s *Store) ReleaseSession(clientID, sessionID string) {
	e := s.entry(clientID)
	defer e.mu.Unlock()
	delete(e.activeSessions, sessionID)
}

// CheckAndRecordCommand counts one shell command against the per-minute
// window.
func (s *Store) CheckAndRecordCommand(clientID string) *Denial {
	e := s.entry(clientID)
	defer e.mu.Unlock()

	now := s.nowFn()
	e.rollWindows(now)
	e.lastSeen = now

	if e.commandCount >= s.limits.CommandsPerMinute {
		return &Denial{
			Reason:     ReasonCommandRate,
			Limit:      s.limits.CommandsPerMinute,
			RetryAfter: e.minuteWindowStart.Add(CommandWindow).Sub(now),
		}
	}
	if e.minuteWindowStart.IsZero() {
		e.minuteWindowStart = now
	}
	e.commandCount++
	return nil
}

// RegisterConnection admits a terminal connection for clientID.
func (s *Store) RegisterConnection(clientID, connectionID string) *Denial {
	e := s.entry(clientID)
	defer e.mu.Unlock()

	e.lastSeen = s.nowFn()
	if _, ok := e.activeConnections[connectionID]; ok {
		return nil
	}
	if len(e.activeConnections) >= s.limits.MaxConcurrentWebSockets {
		log.Printf("[admission] client %s denied connection: %d concurrent (max %d)",
			logutil.SanitizeForLog(clientID), len(e.activeConnections), s.limits.MaxConcurrentWebSockets)
		return &Denial{Reason: ReasonConcurrentSockets, Limit: s.limits.MaxConcurrentWebSockets, RetryAfter: concurrencyRetryAfter}
	}
	e.activeConnections[connectionID] = struct{}{}
	return nil
}

// ReleaseConnection removes connectionID from the client's active set.
func (s *Store) ReleaseConnection(clientID, connectionID string) {
	e := s.entry(clientID)
	defer e.mu.Unlock()
	delete(e.activeConnections, connectionID)
}

// ClientView is the admin view of a client's tracking record.
type ClientView struct {
	ClientID            string     `json:"clientId"`
	SessionCount        int        `json:"sessionCount"`
	HourWindowStart     *time.Time `json:"hourWindowStart,omitempty"`
	ActiveSessionIDs    []string   `json:"activeSessionIds"`
	CommandCount        int        `json:"commandCount"`
	MinuteWindowStart   *time.Time `json:"minuteWindowStart,omitempty"`
	ActiveConnectionIDs []string   `json:"activeConnectionIds"`
	Limits              Limits     `json:"limits"`
}

func (s *Store) view(clientID string, e *clientEntry) ClientView {
	e.rollWindows(s.nowFn())
	v := ClientView{
		ClientID:            clientID,
		SessionCount:        e.sessionCount,
		CommandCount:        e.commandCount,
		ActiveSessionIDs:    sortedKeys(e.activeSessions),
		ActiveConnectionIDs: sortedKeys(e.activeConnections),
		Limits:              s.limits,
	}
	if !e.hourWindowStart.IsZero() {
		t := e.hourWindowStart
		v.HourWindowStart = &t
	}
	if !e.minuteWindowStart.IsZero() {
		t := e.minuteWindowStart
		v.MinuteWindowStart = &t
	}
	return v
}

// Get returns the tracking view for clientID.
func (s *Store) Get(clientID string) (ClientView, bool) {
	s.mu.Lock()
	e, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return ClientView{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.view(clientID, e), true
}

// List returns every tracked client sorted by ID.
func (s *Store) List() []ClientView {
	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	entries := make(map[string]*clientEntry, len(s.clients))
	for id, e := range s.clients {
		ids = append(ids, id)
		entries[id] = e
	}
	s.mu.Unlock()

	sort.Strings(ids)
	out := make([]ClientView, 0, len(ids))
	for _, id := range ids {
		e := entries[id]
		e.mu.Lock()
		out = append(out, s.view(id, e))
		e.mu.Unlock()
	}
	return out
}

// Reset clears the counters and windows for clientID. Live sessions and
// connections stay registered so the concurrency caps keep holding and their
// later release finds them.
func (s *Store) Reset(clientID string) bool {
	s.mu.Lock()
	e, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionCount = 0
	e.hourWindowStart = time.Time{}
	e.commandCount = 0
	e.minuteWindowStart = time.Time{}
	log.Printf("[admission] counters reset for client %s", logutil.SanitizeForLog(clientID))
	return true
}

// AdjustParams is accepted by Adjust for API compatibility.
type AdjustParams struct {
	WindowDuration *time.Duration `json:"windowDuration,omitempty"`
	MaxRequests    *int           `json:"maxRequests,omitempty"`
}

// Adjust resets clientID's counters. Limits are process-wide, so the
// requested window and maximum are not applied per client.
func (s *Store) Adjust(clientID string, params AdjustParams) bool {
	if params.WindowDuration != nil || params.MaxRequests != nil {
		log.Printf("[admission] adjust for client %s: per-client limits are not supported, resetting counters",
			logutil.SanitizeForLog(clientID))
	}
	return s.Reset(clientID)
}

// Prune drops entries with no live sessions or connections whose windows
// have both expired. It returns the number of entries removed.
func (s *Store) Prune() int {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.clients {
		if !e.mu.TryLock() {
			continue
		}
		e.rollWindows(now)
		idle := len(e.activeSessions) == 0 && len(e.activeConnections) == 0 &&
			e.hourWindowStart.IsZero() && e.minuteWindowStart.IsZero()
		if idle {
			delete(s.clients, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
