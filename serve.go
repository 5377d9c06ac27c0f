package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/gluk-w/sandboxd/internal/config"
	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/environments"
	"github.com/gluk-w/sandboxd/internal/handlers"
	"github.com/gluk-w/sandboxd/internal/janitor"
	"github.com/gluk-w/sandboxd/internal/logging"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/sessions"
	"github.com/gluk-w/sandboxd/internal/status"
	"github.com/gluk-w/sandboxd/internal/terminal"
	"github.com/spf13/cobra"
)

var listenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox API and terminal server",
	Long: `Start the HTTP server with the session API, the terminal WebSocket and the
admin endpoints.

Examples:
  sandboxd serve
  sandboxd serve --listen :9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on (overrides SANDBOXD_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

// loadEnvironments returns the catalog from the configured file, or the
// built-in one.
func loadEnvironments() (*environments.Registry, error) {
	envs, err := environments.Load(config.Cfg.EnvironmentsFile, config.Cfg.ImagePrefix, config.Cfg.DefaultEnvironment)
	if err != nil {
		return nil, fmt.Errorf("load environments: %w", err)
	}
	return envs, nil
}

// newUnitManager connects to the Docker engine with the configured security
// profile.
func newUnitManager(ctx context.Context) (*orchestrator.DockerOrchestrator, error) {
	profile, err := orchestrator.ParseSecurityProfile(
		config.Cfg.UnitMemoryLimit,
		config.Cfg.UnitCPUs,
		config.Cfg.UnitPidsLimit,
		config.Cfg.UnitNoFile,
		config.Cfg.UnitTmpfsSize,
	)
	if err != nil {
		return nil, fmt.Errorf("security profile: %w", err)
	}
	return orchestrator.NewDockerOrchestrator(ctx, orchestrator.DockerOptions{
		Host:       config.Cfg.DockerHost,
		TLSCACert:  config.Cfg.DockerTLSCACert,
		TLSCert:    config.Cfg.DockerTLSCert,
		TLSKey:     config.Cfg.DockerTLSKey,
		PullImages: config.Cfg.PullMissingImages,
		MaxUnits:   config.Cfg.MaxUnits,
		Profile:    profile,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	config.Load()
	if listenFlag != "" {
		config.Cfg.ListenAddr = listenFlag
	}

	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	envs, err := loadEnvironments()
	if err != nil {
		return err
	}
	log.Printf("Environment catalog loaded (%d environments, %d tool pairs)",
		len(envs.Environments()), len(envs.ToolPairs()))

	ctx := context.Background()
	units, err := newUnitManager(ctx)
	if err != nil {
		return err
	}

	adm := admission.NewStore(admission.Limits{
		SessionsPerHour:         config.Cfg.SessionsPerHour,
		CommandsPerMinute:       config.Cfg.CommandsPerMinute,
		MaxConcurrentSessions:   config.Cfg.MaxConcurrentSessions,
		MaxConcurrentWebSockets: config.Cfg.MaxConcurrentWebSockets,
	})
	breaker := status.NewBreaker(config.Cfg.MaxActiveSessions, nil)

	sessionMgr := sessions.NewManager(units, envs, adm, breaker, sessions.Options{
		IdleTimeout:   config.Cfg.SessionIdleTimeout,
		MaxLifetime:   config.Cfg.SessionMaxLifetime,
		CreateTimeout: config.Cfg.SessionCreateTimeout,
		TombstoneTTL:  config.Cfg.SessionTombstoneTTL,
	})
	breaker.SetActiveCounter(sessionMgr.ActiveCount)

	termProxy := terminal.NewProxy(sessionMgr, units, adm, terminal.Options{
		InitCommandDelay: config.Cfg.InitCommandDelay,
		InitTimeout:      config.Cfg.InitDefaultTimeout,
		InputRate:        config.Cfg.InputRatePerSecond,
		InputBurst:       config.Cfg.InputRateBurst,
	})
	sessionMgr.OnDestroy(termProxy.CloseSession)

	handlers.SessionMgr = sessionMgr
	handlers.TermProxy = termProxy
	handlers.Admission = adm
	handlers.Breaker = breaker
	handlers.Units = units
	handlers.Envs = envs

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jan := janitor.New(units, sessionMgr, sessionMgr, adm, breaker, janitor.Options{
		ReapSchedule:   config.Cfg.ReapSchedule,
		PruneSchedule:  config.Cfg.PruneSchedule,
		PingSchedule:   config.Cfg.PingSchedule,
		AuditRetention: config.Cfg.AuditRetention,
	})
	stopJanitor, err := jan.Start(sigCtx)
	if err != nil {
		return err
	}
	defer stopJanitor()

	if config.Cfg.TrustProxyHeaders {
		log.Printf("Client addresses taken from proxy headers")
	}
	if config.Cfg.APIKey == "" {
		log.Printf("WARNING: SANDBOXD_API_KEY is not set, the API is unauthenticated")
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: handlers.NewRouter(config.Cfg.APIKey, config.Cfg.TrustProxyHeaders),
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sessionMgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("Session shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Println("Server stopped")
	return nil
}
