// Package config defines configuration parsing and helpers for the
// anti-ban dispatcher.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// SendMode selects how the Orchestrator Client hands a task to the
// Orchestrator (spec.md §4.D).
type SendMode string

const (
	SendModeAPI   SendMode = "api"
	SendModeRedis SendMode = "redis"
)

// Config holds all application configuration parsed from environment
// variables (spec.md §6, expanded with the ambient-stack knobs of
// SPEC_FULL.md §4.J).
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"4001"`
	LogLevel string `env:"LOG_LEVEL"`

	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	OrchestratorURL    string   `env:"ORCHESTRATOR_URL" envDefault:"http://localhost:4000"`
	OrchestratorAPIKey string   `env:"ORCHESTRATOR_API_KEY"`
	SendMode           SendMode `env:"SEND_MODE" envDefault:"api"`

	GatewayQueueKey    string `env:"GATEWAY_QUEUE_KEY" envDefault:"gateway:jobs"`
	PriorityQueueKey   string `env:"PRIORITY_QUEUE_KEY" envDefault:"queue:priority"`
	SessionQueuePrefix string `env:"SESSION_QUEUE_PREFIX" envDefault:"queue:session:"`

	DefaultMinDelayMs int `env:"DEFAULT_MIN_DELAY_MS" envDefault:"2000"`
	DefaultMaxDelayMs int `env:"DEFAULT_MAX_DELAY_MS" envDefault:"5000"`

	BurstLimit      int           `env:"BURST_LIMIT" envDefault:"5"`
	BurstCooldownMs int           `env:"BURST_COOLDOWN_MS" envDefault:"30000"`
	PollIntervalMs  int           `env:"POLL_INTERVAL_MS" envDefault:"1000"`

	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelayMs  int           `env:"RETRY_DELAY_MS" envDefault:"60000"`

	SmartGuardEnabled bool          `env:"SMART_GUARD_ENABLED" envDefault:"true"`
	SmartGuardTickMs  int           `env:"SMART_GUARD_TICK_MS" envDefault:"10000"`

	JobStatsTTLSeconds int `env:"JOB_STATS_TTL_SECONDS" envDefault:"86400"`

	SessionBrainURL string `env:"SESSION_BRAIN_URL"`

	AutoStart bool `env:"AUTO_START" envDefault:"true"`

	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS" envDefault:"1"`

	// Ambient stack (SPEC_FULL.md §4.J)
	OTELServiceName       string        `env:"OTEL_SERVICE_NAME" envDefault:"antiban-dispatcher"`
	OTLPEndpoint          string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	KVConnectTimeoutMs    int           `env:"KV_CONNECT_TIMEOUT_MS" envDefault:"1500"`
	KVBlockingPopTimeoutS int           `env:"KV_BLOCKING_POP_TIMEOUT_S" envDefault:"2"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ControlAPIRateLimit   int           `env:"CONTROL_API_RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// RetryDelay returns the configured retry delay clamped into [1s, 10min]
// per spec.md §4.E / §5.
func (c Config) RetryDelay() time.Duration {
	return ClampDuration(time.Duration(c.RetryDelayMs)*time.Millisecond, time.Second, 10*time.Minute)
}

// ClampDuration clamps d into [min, max].
func ClampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
