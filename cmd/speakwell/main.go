// Command speakwell serves timed IELTS speaking tests over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/internal/config"
	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/grading/anyllm"
	gradingoai "github.com/MrWong99/speakwell/internal/grading/openai"
	"github.com/MrWong99/speakwell/internal/httpapi"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/pkg/voice"
	voiceoai "github.com/MrWong99/speakwell/pkg/voice/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config is read")
	watch := flag.Bool("watch", true, "reload the log level and test timings when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Variables already set in the process win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "speakwell: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speakwell: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speakwell: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("speakwell starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.Config{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLogger(logger)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, levelVar))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	api, err := httpapi.New(httpapi.Config{
		Runtimes:       application.Sessions(),
		Results:        application.Results(),
		Checkers:       application.Checkers(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		MetricsHandler: tel.Handler(),
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to initialise http api", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx, api.Handler()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the grading backends served through any-llm-go. They
// share the same pattern: optional APIKey and optional BaseURL.
var anyllmBackends = []string{
	"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Voice ─────────────────────────────────────────────────────────────────

	reg.RegisterVoice("openai-realtime", func(entry config.ProviderEntry) (voice.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("api_key is required")
		}
		var opts []voiceoai.Option
		if entry.Model != "" {
			opts = append(opts, voiceoai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, voiceoai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, voiceoai.WithTranscriptionModel(m))
		}
		return voiceoai.New(entry.APIKey, opts...), nil
	})

	// ── Grading ───────────────────────────────────────────────────────────────

	reg.RegisterGrading("openai", func(entry config.ProviderEntry) (grading.Analyzer, error) {
		var opts []gradingoai.Option
		if entry.BaseURL != "" {
			opts = append(opts, gradingoai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, gradingoai.WithOrganization(org))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, gradingoai.WithTemperature(t))
		}
		if n, ok := optFloat(entry.Options, "max_retries"); ok {
			opts = append(opts, gradingoai.WithMaxRetries(int(n)))
		}
		a, err := gradingoai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return a, nil
	})

	for _, name := range anyllmBackends {
		reg.RegisterGrading(name, func(entry config.ProviderEntry) (grading.Analyzer, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it is addressed by BaseURL only.
			if entry.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			a, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return a, nil
		})
	}

	slog.Debug("registered providers", "voice", reg.VoiceNames(), "grading", reg.GradingNames())
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	v, err := reg.CreateVoice(cfg.Providers.Voice)
	if err != nil {
		return nil, fmt.Errorf("create voice provider %q: %w", cfg.Providers.Voice.Name, err)
	}
	ps.Voice = v
	slog.Info("provider created", "kind", "voice", "name", cfg.Providers.Voice.Name)

	g, err := reg.CreateGrading(cfg.Providers.Grading)
	if err != nil {
		return nil, fmt.Errorf("create grading provider %q: %w", cfg.Providers.Grading.Name, err)
	}
	ps.Grading = app.NamedAnalyzer{Name: cfg.Providers.Grading.Name, Analyzer: g}
	slog.Info("provider created", "kind", "grading", "name", cfg.Providers.Grading.Name)

	for i, entry := range cfg.Providers.GradingFallbacks {
		fb, err := reg.CreateGrading(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("grading fallback not available, skipping", "index", i, "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create grading fallback %q: %w", entry.Name, err)
		}
		ps.GradingFallbacks = append(ps.GradingFallbacks, app.NamedAnalyzer{
			Name:     fmt.Sprintf("%s#%d", entry.Name, i+1),
			Analyzer: fb,
		})
		slog.Info("provider created", "kind", "grading_fallback", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Speakwell · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Voice", providerLabel(cfg.Providers.Voice))
	printRow("Grading", providerLabel(cfg.Providers.Grading))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.GradingFallbacks)))
	printRow("Ledger", string(cfg.Billing.Ledger))
	stripe := "(disabled)"
	if cfg.Billing.Stripe != nil {
		stripe = "usage reporting"
	}
	printRow("Stripe", stripe)
	state := cfg.Storage.StateDir
	if state == "" {
		state = "(memory)"
	}
	printRow("State dir", state)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// if the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// whole numbers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
