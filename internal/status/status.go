// Package status implements the service-wide circuit breaker that gates
// session creation when the container engine is unhealthy, the host is at
// capacity, or an operator has put the service into maintenance.
package status

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Status is the public breaker state.
type Status struct {
	IsOpen bool   `json:"isOpen"`
	Reason string `json:"reason,omitempty"`
}

// EngineHealth is the last recorded engine probe.
type EngineHealth struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Breaker computes Status from the engine probe, live session count and the
// maintenance flag. It is safe for concurrent use.
type Breaker struct {
	mu          sync.RWMutex
	engine      EngineHealth
	maintenance string

	maxActive   int
	activeCount func() int
	nowFn       func() time.Time
}

// NewBreaker creates a Breaker. activeCount reports live sessions; a
// maxActive of zero disables the capacity check. The engine is assumed
// healthy until the first probe says otherwise.
func NewBreaker(maxActive int, activeCount func() int) *Breaker {
	b := &Breaker{
		maxActive:   maxActive,
		activeCount: activeCount,
		nowFn:       time.Now,
	}
	b.engine = EngineHealth{Healthy: true, CheckedAt: b.nowFn()}
	return b
}

// SetActiveCounter replaces the live session counter. It exists because the
// session manager is built after the breaker it consults.
func (b *Breaker) SetActiveCounter(fn func() int) {
	b.mu.Lock()
	b.activeCount = fn
	b.mu.Unlock()
}

// RecordEngineProbe stores the result of an engine ping. Transitions are
// logged once.
func (b *Breaker) RecordEngineProbe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasHealthy := b.engine.Healthy
	b.engine = EngineHealth{Healthy: err == nil, CheckedAt: b.nowFn()}
	if err != nil {
		b.engine.Error = err.Error()
		if wasHealthy {
			log.Printf("[status] engine unhealthy, opening circuit: %v", err)
		}
	} else if !wasHealthy {
		log.Printf("[status] engine healthy again")
	}
}

// Engine returns the last engine probe.
func (b *Breaker) Engine() EngineHealth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engine
}

// SetMaintenance forces the circuit open with reason. An empty reason
// clears maintenance mode.
func (b *Breaker) SetMaintenance(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" && b.maintenance != "" {
		log.Printf("[status] maintenance mode cleared")
	} else if reason != "" {
		log.Printf("[status] maintenance mode: %s", reason)
	}
	b.maintenance = reason
}

// GetStatus evaluates the breaker. Maintenance takes precedence over engine
// health, which takes precedence over capacity.
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	maintenance := b.maintenance
	engine := b.engine
	count := b.activeCount
	b.mu.RUnlock()

	if maintenance != "" {
		return Status{IsOpen: true, Reason: "maintenance: " + maintenance}
	}
	if !engine.Healthy {
		return Status{IsOpen: true, Reason: "container engine unavailable"}
	}
	if b.maxActive > 0 && count != nil {
		if n := count(); n >= b.maxActive {
			return Status{IsOpen: true, Reason: fmt.Sprintf("at capacity (%d/%d active sessions)", n, b.maxActive)}
		}
	}
	return Status{IsOpen: false}
}
