package status

import (
	"errors"
	"strings"
	"testing"
)

func TestBreakerClosedByDefault(t *testing.T) {
	b := NewBreaker(10, func() int { return 0 })
	st := b.GetStatus()
	if st.IsOpen {
		t.Fatalf("expected closed breaker, got %+v", st)
	}
	if st.Reason != "" {
		t.Errorf("expected empty reason, got %q", st.Reason)
	}
}

func TestBreakerOpensOnEngineFailure(t *testing.T) {
	b := NewBreaker(10, func() int { return 0 })

	b.RecordEngineProbe(errors.New("connection refused"))
	st := b.GetStatus()
	if !st.IsOpen {
		t.Fatal("expected open breaker after failed probe")
	}
	if !strings.Contains(st.Reason, "engine") {
		t.Errorf("expected engine reason, got %q", st.Reason)
	}
	if h := b.Engine(); h.Healthy || h.Error != "connection refused" {
		t.Errorf("unexpected engine health: %+v", h)
	}

	b.RecordEngineProbe(nil)
	if st := b.GetStatus(); st.IsOpen {
		t.Fatalf("expected breaker to close after recovery, got %+v", st)
	}
}

func TestBreakerCapacity(t *testing.T) {
	active := 0
	b := NewBreaker(3, func() int { return active })

	tests := []struct {
		active int
		open   bool
	}{
		{0, false},
		{2, false},
		{3, true},
		{4, true},
	}
	for _, tt := range tests {
		active = tt.active
		st := b.GetStatus()
		if st.IsOpen != tt.open {
			t.Errorf("active=%d: IsOpen = %v, want %v", tt.active, st.IsOpen, tt.open)
		}
		if tt.open && !strings.Contains(st.Reason, "capacity") {
			t.Errorf("active=%d: expected capacity reason, got %q", tt.active, st.Reason)
		}
	}
}

func TestBreakerCapacityDisabled(t *testing.T) {
	b := NewBreaker(0, func() int { return 1000 })
	if st := b.GetStatus(); st.IsOpen {
		t.Fatalf("zero max must disable capacity check, got %+v", st)
	}
}

func TestBreakerMaintenance(t *testing.T) {
	b := NewBreaker(10, nil)
	b.SetMaintenance("upgrading engine")

	st := b.GetStatus()
	if !st.IsOpen || st.Reason != "maintenance: upgrading engine" {
		t.Fatalf("unexpected status %+v", st)
	}

	// Maintenance wins over an engine failure.
	b.RecordEngineProbe(errors.New("down"))
	if st := b.GetStatus(); !strings.HasPrefix(st.Reason, "maintenance") {
		t.Errorf("expected maintenance reason first, got %q", st.Reason)
	}

	b.SetMaintenance("")
	b.RecordEngineProbe(nil)
	if st := b.GetStatus(); st.IsOpen {
		t.Fatalf("expected closed after clearing maintenance, got %+v", st)
	}
}

func TestSetActiveCounter(t *testing.T) {
	b := NewBreaker(1, nil)
	if st := b.GetStatus(); st.IsOpen {
		t.Fatal("nil counter must not open the breaker")
	}
	b.SetActiveCounter(func() int { return 1 })
	if st := b.GetStatus(); !st.IsOpen {
		t.Fatal("expected open breaker after counter installed")
	}
}
