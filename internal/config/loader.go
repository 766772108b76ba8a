package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/speakwell/internal/grading"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"voice":   {"openai-realtime"},
	"grading": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// envRef matches ${VAR} references. Bare $VAR is left alone so that
// secrets containing a dollar sign survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR. Unset variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}

	// Providers
	if cfg.Providers.Voice.Name == "" {
		errs = append(errs, errors.New("providers.voice.name is required"))
	}
	if cfg.Providers.Grading.Name == "" {
		errs = append(errs, errors.New("providers.grading.name is required"))
	}
	validateProviderName("voice", cfg.Providers.Voice.Name)
	validateProviderName("grading", cfg.Providers.Grading.Name)
	for i, fb := range cfg.Providers.GradingFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.grading_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("grading", fb.Name)
	}

	// Test timings
	t := cfg.Test
	if t.MinMessages < 1 {
		errs = append(errs, fmt.Errorf("test.min_messages %d must be at least 1", t.MinMessages))
	}
	for name, d := range map[string]int64{
		"conclusion_stop_delay": int64(t.ConclusionStopDelay),
		"preparation_time":      int64(t.PreparationTime),
		"silence_timeout":       int64(t.SilenceTimeout),
		"wind_down_fallback":    int64(t.WindDownFallback),
		"finalize_timeout":      int64(t.FinalizeTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("test.%s must not be negative", name))
		}
	}
	modes := make([]grading.Mode, 0, len(t.Modes))
	for m := range t.Modes {
		modes = append(modes, m)
	}
	slices.Sort(modes)
	for _, m := range modes {
		mt := t.Modes[m]
		prefix := fmt.Sprintf("test.modes.%s", m)
		if !m.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown mode; valid values: full, part1, part2, part3", prefix))
			continue
		}
		if mt.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s.duration must be positive", prefix))
		}
		if mt.WindDownLead < 0 || (mt.Duration > 0 && mt.WindDownLead >= mt.Duration) {
			errs = append(errs, fmt.Errorf("%s.wind_down_lead %s must be between 0 and the duration", prefix, mt.WindDownLead))
		}
	}

	// Billing
	b := cfg.Billing
	if b.GraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("billing.grace_seconds %d must not be negative", b.GraceSeconds))
	}
	if b.InitialMinutes < 0 {
		errs = append(errs, fmt.Errorf("billing.initial_minutes %d must not be negative", b.InitialMinutes))
	}
	if b.Ledger != "" && !b.Ledger.IsValid() {
		errs = append(errs, fmt.Errorf("billing.ledger %q is invalid; valid values: memory, postgres", b.Ledger))
	}
	if b.Ledger == LedgerPostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("billing.ledger postgres requires storage.postgres_dsn"))
	}
	if b.Ledger == LedgerPostgres && b.InitialMinutes > 0 {
		slog.Warn("billing.initial_minutes only applies to the memory ledger", "ledger", b.Ledger)
	}
	if b.SweepSchedule != "" {
		if _, err := cron.ParseStandard(b.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("billing.sweep_schedule %q: %w", b.SweepSchedule, err))
		}
	}
	if b.StaleAfter < 0 {
		errs = append(errs, errors.New("billing.stale_after must not be negative"))
	}
	if s := b.Stripe; s != nil && s.APIKey == "" {
		errs = append(errs, errors.New("billing.stripe.api_key is required when billing.stripe is set"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
