package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	APIKey       string `envconfig:"API_KEY" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Take the client address from X-Forwarded-For / X-Real-IP. Enable only
	// behind a reverse proxy that overwrites those headers.
	TrustProxyHeaders bool `envconfig:"TRUST_PROXY_HEADERS" default:"false"`

	// Docker engine
	DockerHost        string `envconfig:"DOCKER_HOST" default:""`
	DockerTLSCACert   string `envconfig:"DOCKER_TLS_CA_CERT" default:""`
	DockerTLSCert     string `envconfig:"DOCKER_TLS_CERT" default:""`
	DockerTLSKey      string `envconfig:"DOCKER_TLS_KEY" default:""`
	PullMissingImages bool   `envconfig:"PULL_MISSING_IMAGES" default:"true"`

	// Environment catalog
	EnvironmentsFile   string `envconfig:"ENVIRONMENTS_FILE" default:""`
	ImagePrefix        string `envconfig:"IMAGE_PREFIX" default:"sandboxd/env-"`
	DefaultEnvironment string `envconfig:"DEFAULT_ENVIRONMENT" default:"bash"`

	// Unit security profile
	UnitMemoryLimit string  `envconfig:"UNIT_MEMORY_LIMIT" default:"128m"`
	UnitCPUs        float64 `envconfig:"UNIT_CPUS" default:"0.5"`
	UnitPidsLimit   int64   `envconfig:"UNIT_PIDS_LIMIT" default:"64"`
	UnitNoFile      int64   `envconfig:"UNIT_NOFILE" default:"256"`
	UnitTmpfsSize   string  `envconfig:"UNIT_TMPFS_SIZE" default:"64m"`
	MaxUnits        int     `envconfig:"MAX_UNITS" default:"50"`

	// Session lifecycle
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"5m"`
	SessionMaxLifetime   time.Duration `envconfig:"SESSION_MAX_LIFETIME" default:"30m"`
	SessionCreateTimeout time.Duration `envconfig:"SESSION_CREATE_TIMEOUT" default:"60s"`
	SessionTombstoneTTL  time.Duration `envconfig:"SESSION_TOMBSTONE_TTL" default:"1h"`

	// Terminal proxy
	InitCommandDelay   time.Duration `envconfig:"INIT_COMMAND_DELAY" default:"200ms"`
	InitDefaultTimeout time.Duration `envconfig:"INIT_DEFAULT_TIMEOUT" default:"30s"`
	InputRatePerSecond float64       `envconfig:"INPUT_RATE_PER_SECOND" default:"200"`
	InputRateBurst     int           `envconfig:"INPUT_RATE_BURST" default:"200"`

	// Admission control
	SessionsPerHour         int `envconfig:"SESSIONS_PER_HOUR" default:"10"`
	CommandsPerMinute       int `envconfig:"COMMANDS_PER_MINUTE" default:"120"`
	MaxConcurrentSessions   int `envconfig:"MAX_CONCURRENT_SESSIONS" default:"2"`
	MaxConcurrentWebSockets int `envconfig:"MAX_CONCURRENT_WEBSOCKETS" default:"3"`

	// Circuit breaker
	MaxActiveSessions int `envconfig:"MAX_ACTIVE_SESSIONS" default:"40"`

	// Janitor
	ReapSchedule  string `envconfig:"REAP_SCHEDULE" default:"@every 1m"`
	PruneSchedule string `envconfig:"PRUNE_SCHEDULE" default:"@every 5m"`
	PingSchedule  string `envconfig:"PING_SCHEDULE" default:"@every 15s"`

	// Audit events older than this are deleted by the prune job.
	AuditRetention time.Duration `envconfig:"AUDIT_RETENTION" default:"168h"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SANDBOXD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
