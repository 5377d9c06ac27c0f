package handlers

import (
	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/gluk-w/sandboxd/internal/environments"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/sessions"
	"github.com/gluk-w/sandboxd/internal/status"
	"github.com/gluk-w/sandboxd/internal/terminal"
)

// Set from main.go during init.
var (
	SessionMgr *sessions.Manager
	TermProxy  *terminal.Proxy
	Admission  *admission.Store
	Breaker    *status.Breaker
	Units      orchestrator.UnitManager
	Envs       *environments.Registry
)
