// Package config provides the configuration schema, loader, and provider registry
// for the Speakwell speaking-test server.
package config

import (
	"time"

	"github.com/MrWong99/speakwell/internal/grading"
)

// LogLevel controls log verbosity for the Speakwell server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LedgerKind selects where minute deductions are recorded.
type LedgerKind string

const (
	// LedgerMemory keeps balances in process. Balances are lost on restart.
	LedgerMemory LedgerKind = "memory"

	// LedgerPostgres stores balances and deductions in PostgreSQL.
	LedgerPostgres LedgerKind = "postgres"
)

// IsValid reports whether k is a recognised ledger kind.
func (k LedgerKind) IsValid() bool {
	return k == LedgerMemory || k == LedgerPostgres
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultMinMessages         = 4
	DefaultConclusionStopDelay = 5 * time.Second
	DefaultPreparationTime     = time.Minute
	DefaultWindDownFallback    = 2 * time.Minute
	DefaultFinalizeTimeout     = 2 * time.Minute
	DefaultGraceSeconds        = 5
	DefaultSweepSchedule       = "*/5 * * * *"
	DefaultStaleAfter          = 10 * time.Minute
)

// Config is the root configuration structure for Speakwell.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Test      TestConfig      `yaml:"test"`
	Billing   BillingConfig   `yaml:"billing"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds network and logging settings for the Speakwell server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log level. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the browser origins that may call the API and
	// open the audio bridge. Empty means same-origin only; "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TraceSampleRatio is the share of new traces that are sampled, between
	// 0 and 1. Zero or one samples every trace. Sampled parents propagated
	// by a caller are always honoured.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the realtime voice vendor and the grading model.
// Each entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	Voice   ProviderEntry `yaml:"voice"`
	Grading ProviderEntry `yaml:"grading"`

	// GradingFallbacks are tried in order when the primary grading
	// provider fails or its circuit breaker is open.
	GradingFallbacks []ProviderEntry `yaml:"grading_fallbacks"`
}

// ProviderEntry is the common configuration block for any provider.
type ProviderEntry struct {
	// Name is the registered provider name (e.g., "openai-realtime", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication credential for the provider's API.
	// Values of the form ${VAR} are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. Provider-specific.
	Model string `yaml:"model"`

	// Options holds provider-specific key/value configuration not covered by
	// the common fields above.
	Options map[string]any `yaml:"options"`
}

// TestConfig tunes the timing of a speaking test.
type TestConfig struct {
	// MinMessages is the smallest transcript that is graded.
	MinMessages int `yaml:"min_messages"`

	// ConclusionStopDelay is how long the call stays open after the
	// examiner's closing line so the audio can finish playing.
	ConclusionStopDelay time.Duration `yaml:"conclusion_stop_delay"`

	// PreparationTime is the Part 2 note-taking pause.
	PreparationTime time.Duration `yaml:"preparation_time"`

	// SilenceTimeout ends a call nobody has spoken in for this long.
	// Zero disables the watchdog.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// WindDownFallback forces the call closed if the examiner never
	// concludes after a wind-down.
	WindDownFallback time.Duration `yaml:"wind_down_fallback"`

	// FinalizeTimeout bounds grading and saving after a call ends.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`

	// Modes overrides the per-mode duration and wind-down lead. Keys are
	// full, part1, part2 and part3.
	Modes map[grading.Mode]ModeTiming `yaml:"modes"`
}

// ModeTiming is the time budget of one test mode.
type ModeTiming struct {
	Duration     time.Duration `yaml:"duration"`
	WindDownLead time.Duration `yaml:"wind_down_lead"`
}

// BillingConfig controls minute metering.
type BillingConfig struct {
	// GraceSeconds is the free allowance before the first minute is billed.
	GraceSeconds int `yaml:"grace_seconds"`

	// Ledger selects the balance store: memory or postgres.
	Ledger LedgerKind `yaml:"ledger"`

	// InitialMinutes credits every new user of the memory ledger.
	InitialMinutes int `yaml:"initial_minutes"`

	// Stripe mirrors deductions as Stripe meter events when set.
	Stripe *StripeConfig `yaml:"stripe"`

	// SweepSchedule is the cron expression of the stale-counter sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// StaleAfter marks a persisted counter abandoned when it has not been
	// updated for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// StripeConfig configures usage reporting to Stripe.
type StripeConfig struct {
	APIKey    string `yaml:"api_key"`
	EventName string `yaml:"event_name"`

	// Customers maps Speakwell user ids to Stripe customer ids.
	Customers map[string]string `yaml:"customers"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// PostgresDSN enables the PostgreSQL results store and ledger.
	PostgresDSN string `yaml:"postgres_dsn"`

	// StateDir holds per-user session state files. Empty keeps state in memory.
	StateDir string `yaml:"state_dir"`
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	t := &cfg.Test
	if t.MinMessages == 0 {
		t.MinMessages = DefaultMinMessages
	}
	if t.ConclusionStopDelay == 0 {
		t.ConclusionStopDelay = DefaultConclusionStopDelay
	}
	if t.PreparationTime == 0 {
		t.PreparationTime = DefaultPreparationTime
	}
	if t.WindDownFallback == 0 {
		t.WindDownFallback = DefaultWindDownFallback
	}
	if t.FinalizeTimeout == 0 {
		t.FinalizeTimeout = DefaultFinalizeTimeout
	}

	b := &cfg.Billing
	if b.GraceSeconds == 0 {
		b.GraceSeconds = DefaultGraceSeconds
	}
	if b.Ledger == "" {
		b.Ledger = LedgerMemory
		if cfg.Storage.PostgresDSN != "" {
			b.Ledger = LedgerPostgres
		}
	}
	if b.SweepSchedule == "" {
		b.SweepSchedule = DefaultSweepSchedule
	}
	if b.StaleAfter == 0 {
		b.StaleAfter = DefaultStaleAfter
	}
}
