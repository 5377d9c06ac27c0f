// Package janitor runs the periodic housekeeping jobs: reaping orphaned
// units, pruning ended sessions and idle admission records, trimming the
// audit log and probing the container engine.
package janitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/logutil"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/status"
	"github.com/robfig/cron/v3"
)

const (
	destroyTimeout = 30 * time.Second
	pingTimeout    = 5 * time.Second
)

// Owner reports which units and sessions are still in use. A nil Owner makes
// every listed unit an orphan.
type Owner interface {
	OwnsUnit(unitID string) bool
	IsLive(sessionID string) bool
}

// TombstonePruner forgets ended sessions.
type TombstonePruner interface {
	PruneTombstones() int
}

type Options struct {
	ReapSchedule   string
	PruneSchedule  string
	PingSchedule   string
	AuditRetention time.Duration
}

type Janitor struct {
	units      orchestrator.UnitManager
	owner      Owner
	tombstones TombstonePruner
	adm        *admission.Store
	breaker    *status.Breaker
	opts       Options

	nowFn func() time.Time
}

// New builds a janitor. owner, tombstones, adm and breaker may be nil; the
// jobs that need them are then skipped.
func New(units orchestrator.UnitManager, owner Owner, tombstones TombstonePruner, adm *admission.Store, breaker *status.Breaker, opts Options) *Janitor {
	return &Janitor{
		units:      units,
		owner:      owner,
		tombstones: tombstones,
		adm:        adm,
		breaker:    breaker,
		opts:       opts,
		nowFn:      time.Now,
	}
}

// Start registers the scheduled jobs, reaps once immediately and starts the
// scheduler. The returned function stops it and waits for running jobs.
func (j *Janitor) Start(ctx context.Context) (context.CancelFunc, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"reap", j.opts.ReapSchedule, func() { j.ReapOrphans(ctx) }},
		{"prune", j.opts.PruneSchedule, func() { j.Prune() }},
		{"ping", j.opts.PingSchedule, func() { j.PingEngine(ctx) }},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := c.AddFunc(job.schedule, job.run); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", job.name, job.schedule, err)
		}
		log.Printf("[janitor] %s job scheduled (%s)", job.name, job.schedule)
	}

	j.PingEngine(ctx)
	j.ReapOrphans(ctx)

	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// ReapOrphans destroys every managed unit not bound to a live session and
// returns how many were removed.
func (j *Janitor) ReapOrphans(ctx context.Context) (int, error) {
	units, err := j.units.ListUnits(ctx)
	if err != nil {
		log.Printf("[janitor] list units: %v", err)
		return 0, err
	}

	reaped := 0
	for _, u := range units {
		if j.owner != nil && (j.owner.OwnsUnit(u.ID) || (u.SessionID != "" && j.owner.IsLive(u.SessionID))) {
			continue
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		err := j.units.DestroyUnit(dctx, u.ID)
		cancel()
		if err != nil {
			log.Printf("[janitor] reap unit %s: %v", logutil.SanitizeForLog(u.ID), err)
			continue
		}
		reaped++
		log.Printf("[janitor] reaped orphan unit %s (session %s)",
			logutil.SanitizeForLog(u.ID), logutil.Quote(u.SessionID))
		database.RecordEvent(database.SessionEvent{
			SessionID:   u.SessionID,
			Event:       database.EventReaped,
			Environment: u.Environment,
			UnitID:      u.ID,
			Detail:      "orphaned unit removed",
		})
	}
	return reaped, nil
}

// PruneResult counts what a prune pass removed.
type PruneResult struct {
	Tombstones  int
	Clients     int
	AuditEvents int64
}

// Prune drops expired tombstones, idle admission records and audit events
// older than the retention period.
func (j *Janitor) Prune() PruneResult {
	var res PruneResult
	if j.tombstones != nil {
		res.Tombstones = j.tombstones.PruneTombstones()
	}
	if j.adm != nil {
		res.Clients = j.adm.Prune()
	}
	if j.opts.AuditRetention > 0 {
		n, err := database.PruneEvents(j.nowFn().Add(-j.opts.AuditRetention))
		if err != nil {
			log.Printf("[janitor] prune audit events: %v", err)
		}
		res.AuditEvents = n
	}
	if res.Tombstones > 0 || res.Clients > 0 || res.AuditEvents > 0 {
		log.Printf("[janitor] pruned %d sessions, %d clients, %d audit events",
			res.Tombstones, res.Clients, res.AuditEvents)
	}
	return res
}

// PingEngine probes the container engine and feeds the result to the
// circuit breaker.
func (j *Janitor) PingEngine(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := j.units.Ping(pctx)
	if j.breaker != nil {
		j.breaker.RecordEngineProbe(err)
	}
	return err
}
