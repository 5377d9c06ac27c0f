package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(limits Limits) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(limits)
	s.nowFn = clock.Now
	return s, clock
}

func TestNewStoreDefaults(t *testing.T) {
	s := NewStore(Limits{})
	l := s.Limits()
	if l.SessionsPerHour != DefaultSessionsPerHour {
		t.Errorf("expected SessionsPerHour %d, got %d", DefaultSessionsPerHour, l.SessionsPerHour)
	}
	if l.CommandsPerMinute != DefaultCommandsPerMinute {
		t.Errorf("expected CommandsPerMinute %d, got %d", DefaultCommandsPerMinute, l.CommandsPerMinute)
	}
	if l.MaxConcurrentSessions != DefaultMaxConcurrentSessions {
		t.Errorf("expected MaxConcurrentSessions %d, got %d", DefaultMaxConcurrentSessions, l.MaxConcurrentSessions)
	}
	if l.MaxConcurrentWebSockets != DefaultMaxConcurrentWebSockets {
		t.Errorf("expected MaxConcurrentWebSockets %d, got %d", DefaultMaxConcurrentWebSockets, l.MaxConcurrentWebSockets)
	}
}

func TestSessionRateLimit(t *testing.T) {
	s, clock := newTestStore(Limits{SessionsPerHour: 3, MaxConcurrentSessions: 10})

	for i := 0; i < 3; i++ {
		sid := fmt.Sprintf("s%d", i)
		if d := s.CheckAndRecordSessionCreation("1.2.3.4", sid); d != nil {
			t.Fatalf("session %d should be allowed: %v", i+1, d)
		}
		s.ReleaseSession("1.2.3.4", sid)
	}

	clock.Advance(10 * time.Minute)
	d := s.CheckAndRecordSessionCreation("1.2.3.4", "s3")
	if d == nil {
		t.Fatal("expected denial on 4th session")
	}
	if d.Reason != ReasonSessionRate {
		t.Errorf("expected reason %s, got %s", ReasonSessionRate, d.Reason)
	}
	if d.RetryAfter != 50*time.Minute {
		t.Errorf("expected RetryAfter 50m, got %v", d.RetryAfter)
	}

	// Other clients are unaffected.
	if d := s.CheckAndRecordSessionCreation("5.6.7.8", "other"); d != nil {
		t.Errorf("other client should be allowed: %v", d)
	}
}

func TestSessionWindowResetsAtBoundary(t *testing.T) {
	s, clock := newTestStore(Limits{SessionsPerHour: 1, MaxConcurrentSessions: 10})

	if d := s.CheckAndRecordSessionCreation("c", "a"); d != nil {
		t.Fatalf("first session denied: %v", d)
	}
	clock.Advance(SessionWindow - time.Second)
	if d := s.CheckAndRecordSessionCreation("c", "b"); d == nil {
		t.Fatal("expected denial inside the window")
	}
	clock.Advance(time.Second)
	if d := s.CheckAndRecordSessionCreation("c", "b"); d != nil {
		t.Fatalf("expected window reset after a full hour, got %v", d)
	}
}

func TestReleaseDoesNotRefundHourlyCount(t *testing.T) {
	s, _ := newTestStore(Limits{SessionsPerHour: 2, MaxConcurrentSessions: 2})

	s.CheckAndRecordSessionCreation("c", "a")
	s.ReleaseSession("c", "a")
	s.CheckAndRecordSessionCreation("c", "b")
	s.ReleaseSession("c", "b")

	d := s.CheckAndRecordSessionCreation("c", "c")
	if d == nil || d.Reason != ReasonSessionRate {
		t.Fatalf("expected session rate denial, got %v", d)
	}
}

func TestConcurrentSessionCap(t *testing.T) {
	s, _ := newTestStore(Limits{SessionsPerHour: 100, MaxConcurrentSessions: 2})

	s.CheckAndRecordSessionCreation("c", "a")
	s.CheckAndRecordSessionCreation("c", "b")
	d := s.CheckAndRecordSessionCreation("c", "c")
	if d == nil || d.Reason != ReasonConcurrentSessions {
		t.Fatalf("expected concurrent session denial, got %v", d)
	}

	s.ReleaseSession("c", "a")
	if d := s.CheckAndRecordSessionCreation("c", "c"); d != nil {
		t.Fatalf("expected slot freed after release, got %v", d)
	}
}

func TestConcurrentSessionCapUnderRace(t *testing.T) {
	s, _ := newTestStore(Limits{SessionsPerHour: 1000, MaxConcurrentSessions: 2})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.CheckAndRecordSessionCreation("racer", fmt.Sprintf("s%d", i)) == nil {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := allowed.Load(); got != 2 {
		t.Errorf("expected exactly 2 admitted sessions, got %d", got)
	}
}

func TestCommandRateLimit(t *testing.T) {
	s, clock := newTestStore(Limits{CommandsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if d := s.CheckAndRecordCommand("c"); d != nil {
			t.Fatalf("command %d should be allowed: %v", i+1, d)
		}
	}
	clock.Advance(20 * time.Second)
	d := s.CheckAndRecordCommand("c")
	if d == nil || d.Reason != ReasonCommandRate {
		t.Fatalf("expected command rate denial, got %v", d)
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("expected RetryAfter 40s, got %v", d.RetryAfter)
	}

	clock.Advance(40 * time.Second)
	if d := s.CheckAndRecordCommand("c"); d != nil {
		t.Fatalf("expected command window reset, got %v", d)
	}
}

func TestConnectionCap(t *testing.T) {
	s, _ := newTestStore(Limits{MaxConcurrentWebSockets: 2})

	if d := s.RegisterConnection("c", "w1"); d != nil {
		t.Fatalf("w1 denied: %v", d)
	}
	if d := s.RegisterConnection("c", "w2"); d != nil {
		t.Fatalf("w2 denied: %v", d)
	}
	// Re-registering an existing connection is a no-op.
	if d := s.RegisterConnection("c", "w2"); d != nil {
		t.Fatalf("re-register denied: %v", d)
	}
	d := s.RegisterConnection("c", "w3")
	if d == nil || d.Reason != ReasonConcurrentSockets {
		t.Fatalf("expected connection cap denial, got %v", d)
	}

	s.ReleaseConnection("c", "w1")
	s.ReleaseConnection("c", "w1")
	if d := s.RegisterConnection("c", "w3"); d != nil {
		t.Fatalf("expected slot freed after release, got %v", d)
	}
}

func TestGetAndList(t *testing.T) {
	s, _ := newTestStore(Limits{})

	if _, ok := s.Get("nobody"); ok {
		t.Fatal("expected unknown client to be absent")
	}

	s.CheckAndRecordSessionCreation("b", "sb")
	s.CheckAndRecordSessionCreation("a", "sa")
	s.RegisterConnection("a", "wa")
	s.CheckAndRecordCommand("a")

	v, ok := s.Get("a")
	if !ok {
		t.Fatal("expected client a to be tracked")
	}
	if v.SessionCount != 1 || v.CommandCount != 1 {
		t.Errorf("unexpected counts: %+v", v)
	}
	if len(v.ActiveSessionIDs) != 1 || v.ActiveSessionIDs[0] != "sa" {
		t.Errorf("unexpected active sessions: %v", v.ActiveSessionIDs)
	}
	if len(v.ActiveConnectionIDs) != 1 || v.ActiveConnectionIDs[0] != "wa" {
		t.Errorf("unexpected active connections: %v", v.ActiveConnectionIDs)
	}
	if v.HourWindowStart == nil || v.MinuteWindowStart == nil {
		t.Error("expected both windows to be open")
	}

	list := s.List()
	if len(list) != 2 || list[0].ClientID != "a" || list[1].ClientID != "b" {
		t.Errorf("expected sorted [a b], got %+v", list)
	}
}

func TestResetClearsCountersKeepsLiveSets(t *testing.T) {
	s, _ := newTestStore(Limits{SessionsPerHour: 1, MaxConcurrentSessions: 5, CommandsPerMinute: 1})

	s.CheckAndRecordSessionCreation("c", "a")
	s.CheckAndRecordCommand("c")
	if d := s.CheckAndRecordSessionCreation("c", "b"); d == nil {
		t.Fatal("expected denial before reset")
	}

	if !s.Reset("c") {
		t.Fatal("Reset returned false for tracked client")
	}
	if s.Reset("unknown") {
		t.Error("Reset returned true for unknown client")
	}

	v, _ := s.Get("c")
	if v.SessionCount != 0 || v.CommandCount != 0 {
		t.Errorf("expected zeroed counters, got %+v", v)
	}
	if len(v.ActiveSessionIDs) != 1 {
		t.Errorf("expected live session to survive reset, got %v", v.ActiveSessionIDs)
	}
	if d := s.CheckAndRecordSessionCreation("c", "b"); d != nil {
		t.Errorf("expected session allowed after reset: %v", d)
	}
	if d := s.CheckAndRecordCommand("c"); d != nil {
		t.Errorf("expected command allowed after reset: %v", d)
	}
}

func TestAdjustResets(t *testing.T) {
	s, _ := newTestStore(Limits{CommandsPerMinute: 1})
	s.CheckAndRecordCommand("c")

	maxReq := 50
	if !s.Adjust("c", AdjustParams{MaxRequests: &maxReq}) {
		t.Fatal("Adjust returned false")
	}
	if d := s.CheckAndRecordCommand("c"); d != nil {
		t.Errorf("expected command allowed after adjust: %v", d)
	}
	if s.Limits().CommandsPerMinute != 1 {
		t.Errorf("limits must stay process-wide, got %d", s.Limits().CommandsPerMinute)
	}
}

func TestPrune(t *testing.T) {
	s, clock := newTestStore(Limits{})

	s.CheckAndRecordSessionCreation("idle", "x")
	s.ReleaseSession("idle", "x")
	s.CheckAndRecordSessionCreation("busy", "y")

	if n := s.Prune(); n != 0 {
		t.Fatalf("expected nothing pruned inside windows, got %d", n)
	}

	clock.Advance(SessionWindow)
	if n := s.Prune(); n != 1 {
		t.Fatalf("expected 1 entry pruned, got %d", n)
	}
	if _, ok := s.Get("idle"); ok {
		t.Error("idle client should be pruned")
	}
	if _, ok := s.Get("busy"); !ok {
		t.Error("client with live session must not be pruned")
	}
}

func TestDenialError(t *testing.T) {
	tests := []struct {
		d    Denial
		want string
	}{
		{Denial{Reason: ReasonConcurrentSessions, Limit: 2}, "at most 2 concurrent sessions allowed"},
		{Denial{Reason: ReasonConcurrentSockets, Limit: 3}, "at most 3 concurrent terminal connections allowed"},
		{Denial{Reason: ReasonCommandRate, Limit: 120, RetryAfter: 5 * time.Second}, "command limit of 120 per minute reached; retry after 5s"},
		{Denial{Reason: ReasonSessionRate, Limit: 10, RetryAfter: time.Minute}, "session limit of 10 per hour reached; retry after 1m0s"},
	}
	for _, tt := range tests {
		if got := tt.d.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
