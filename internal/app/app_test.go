package app_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/internal/billing"
	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/config"
	gmock "github.com/MrWong99/speakwell/internal/grading/mock"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/results"
	"github.com/MrWong99/speakwell/pkg/voice/mock"
)

// testConfig returns a validated-looking config with defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			Voice:   config.ProviderEntry{Name: "openai-realtime"},
			Grading: config.ProviderEntry{Name: "openai"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock voice and grading backends.
func testProviders() *app.Providers {
	return &app.Providers{
		Voice:   &mock.Provider{},
		Grading: app.NamedAnalyzer{Name: "mock", Analyzer: &gmock.Analyzer{}},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithStore(kvstore.NewMemStore()),
		app.WithResults(results.NewMemStore()),
		app.WithClock(clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))),
	}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	if a.Sessions() == nil || a.Results() == nil || a.Analyzer() == nil || a.Sweeper() == nil {
		t.Fatal("New() left a subsystem unset")
	}
	if got := a.Analyzer().Backends(); len(got) != 1 || got[0] != "mock" {
		t.Errorf("grading backends = %v", got)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{name: "nil", providers: nil},
		{name: "no voice", providers: &app.Providers{Grading: app.NamedAnalyzer{Name: "m", Analyzer: &gmock.Analyzer{}}}},
		{name: "no grading", providers: &app.Providers{Voice: &mock.Provider{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(context.Background(), testConfig(), tc.providers); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_BadSweepSchedule(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Billing.SweepSchedule = "never"
	_, err := app.New(context.Background(), cfg, testProviders(), app.WithStore(kvstore.NewMemStore()))
	if err == nil {
		t.Fatal("expected error for an invalid sweep schedule")
	}
}

func TestApp_CreditsInitialMinutesOnce(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Billing.InitialMinutes = 30

	a := newTestApp(t, cfg)
	ctx := context.Background()
	rt, err := a.Sessions().Runtime(ctx, "ivy")
	if err != nil {
		t.Fatalf("Runtime: %v", err)
	}

	// Deduct one minute, evict the runtime, and build it again: the balance
	// must not be topped up a second time.
	if rt.Meter.Running() {
		t.Fatal("fresh meter is already running")
	}
	req := billing.DeductRequest{UserID: "ivy", CallID: "c1", Minutes: 1, Boundary: 1}
	ledger := ledgerOf(t, a)
	if err := ledger.Deduct(ctx, req); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	a.Sessions().Evict(ctx, -time.Hour)
	if _, err := a.Sessions().Runtime(ctx, "ivy"); err != nil {
		t.Fatal(err)
	}
	if got := ledger.Balance("ivy"); got != 29 {
		t.Errorf("balance = %d, want 29", got)
	}
}

// ledgerOf returns the in-memory ledger behind a's runtimes.
func ledgerOf(t *testing.T, a *app.App) *billing.MemoryLedger {
	t.Helper()
	l := a.Ledger()
	if l == nil {
		t.Fatal("app has no in-memory ledger")
	}
	return l
}

func TestApp_InjectedDeducterSkipsCredit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Billing.InitialMinutes = 30

	var calls int
	d := billing.DeducterFunc(func(context.Context, billing.DeductRequest) error {
		calls++
		return nil
	})
	a := newTestApp(t, cfg, app.WithDeducter(d))
	if a.Ledger() != nil {
		t.Error("in-memory ledger created despite an injected deducter")
	}
	if _, err := a.Sessions().Runtime(context.Background(), "jo"); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("deducter called %d times", calls)
	}
}

func TestApp_Checkers(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig())

	checks := a.Checkers()
	if len(checks) != 1 || checks[0].Name != "sessions" {
		t.Fatalf("Checkers() = %+v", checks)
	}
	if err := checks[0].Check(context.Background()); err != nil {
		t.Errorf("sessions check before shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := checks[0].Check(context.Background()); !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("sessions check after shutdown = %v", err)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig())

	closed := 0
	a.AddCloser(func() error { closed++; return nil })

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if closed != 1 {
		t.Errorf("closer ran %d times, want 1", closed)
	}
	if _, err := a.Sessions().Runtime(context.Background(), "kim"); !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("Runtime after Shutdown = %v", err)
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig())
	a.AddCloser(func() error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
