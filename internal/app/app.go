// Package app wires all Speakwell subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// stores, the ledger, the grading analyzer and the per-user session manager,
// Run serves HTTP and runs the background jobs, and Shutdown tears everything
// down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithStore, WithResults, WithDeducter, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speakwell/internal/billing"
	billingpg "github.com/MrWong99/speakwell/internal/billing/postgres"
	billingstripe "github.com/MrWong99/speakwell/internal/billing/stripe"
	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/config"
	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/health"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/internal/resilience"
	"github.com/MrWong99/speakwell/internal/results"
	resultspg "github.com/MrWong99/speakwell/internal/results/postgres"
	"github.com/MrWong99/speakwell/pkg/voice"
)

// Defaults for the background jobs started by [App.Run].
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultEvictInterval = time.Minute
	shutdownGrace        = 10 * time.Second
)

// NamedAnalyzer is a grading backend with the name it is reported under.
type NamedAnalyzer struct {
	Name     string
	Analyzer grading.Analyzer
}

// Providers holds the vendor integrations. Populated by main.go via the
// config registry.
type Providers struct {
	Voice   voice.Provider
	Grading NamedAnalyzer

	// GradingFallbacks are tried in order when the primary backend fails.
	GradingFallbacks []NamedAnalyzer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    kvstore.Store
	results  results.Store
	deducter billing.Deducter
	memory   *billing.MemoryLedger
	creditMu sync.Mutex
	credited map[string]bool
	pool     *pgxpool.Pool
	analyzer *grading.Guarded
	sessions *SessionManager
	sweeper  *billing.Sweeper

	clock      clock.Clock
	metrics    *observe.Metrics
	log        *slog.Logger
	levelVar   *slog.LevelVar
	configPath string
	idle       time.Duration

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the state store instead of creating one from
// storage.state_dir.
func WithStore(s kvstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithResults injects the results store instead of creating one from config.
func WithResults(s results.Store) Option {
	return func(a *App) { a.results = s }
}

// WithDeducter injects the minute ledger instead of creating one from config.
func WithDeducter(d billing.Deducter) Option {
	return func(a *App) { a.deducter = d }
}

// WithClock replaces the real clock, typically with a clock.Fake.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics records metrics on m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithConfigWatch makes Run poll path and hot-reload the log level into lv
// and the test timings into new runtimes.
func WithConfigWatch(path string, lv *slog.LevelVar) Option {
	return func(a *App) {
		a.configPath = path
		a.levelVar = lv
	}
}

// WithIdleTimeout sets how long an unused runtime is kept before eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *App) { a.idle = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Voice == nil || providers.Grading.Analyzer == nil {
		return nil, errors.New("app: voice and grading providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		clock:     clock.Real{},
		log:       slog.Default(),
		idle:      DefaultIdleTimeout,
		credited:  make(map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. State store ───────────────────────────────────────────────────
	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. PostgreSQL ────────────────────────────────────────────────────
	if err := a.initPostgres(ctx); err != nil {
		return nil, fmt.Errorf("app: init postgres: %w", err)
	}

	// ── 3. Ledger ────────────────────────────────────────────────────────
	if err := a.initLedger(); err != nil {
		return nil, fmt.Errorf("app: init ledger: %w", err)
	}

	// ── 4. Grading ───────────────────────────────────────────────────────
	a.initAnalyzer()

	// ── 5. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config: cfg,
		Deps: Deps{
			Provider: providers.Voice,
			Analyzer: a.analyzer,
			Results:  a.results,
			Store:    a.store,
			Deducter: a.deducter,
			Clock:    a.clock,
			Metrics:  a.metrics,
			Logger:   a.log,
		},
		OnCreate: a.creditNewUser,
	})

	// ── 6. Sweeper ───────────────────────────────────────────────────────
	sw, err := billing.NewSweeper(billing.SweeperConfig{
		Store:        a.store,
		Deducter:     a.deducter,
		StaleAfter:   cfg.Billing.StaleAfter,
		Schedule:     cfg.Billing.SweepSchedule,
		GraceSeconds: cfg.Billing.GraceSeconds,
		IsLive:       a.sessions.IsLive,
		Clock:        a.clock,
		Metrics:      a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init sweeper: %w", err)
	}
	a.sweeper = sw

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore() error {
	if a.store != nil {
		return nil
	}
	if dir := a.cfg.Storage.StateDir; dir != "" {
		fs, err := kvstore.NewFileStore(dir)
		if err != nil {
			return err
		}
		a.store = fs
		a.log.Info("state store on disk", "dir", dir)
		return nil
	}
	a.store = kvstore.NewMemStore()
	a.log.Warn("storage.state_dir is empty; unfinished tests and billing counters are lost on restart")
	return nil
}

// initPostgres opens the pool and migrates the schemas of every component
// that was not injected and needs the database.
func (a *App) initPostgres(ctx context.Context) error {
	needResults := a.results == nil
	needLedger := a.deducter == nil && a.cfg.Billing.Ledger == config.LedgerPostgres
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" || (!needResults && !needLedger) {
		if a.results == nil {
			a.results = results.NewMemStore()
			a.log.Warn("storage.postgres_dsn is empty; results are kept in memory")
		}
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if needResults {
		s := resultspg.NewStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate results: %w", err)
		}
		a.results = s
	}
	if needLedger {
		l := billingpg.NewLedger(pool)
		if err := l.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		a.deducter = l
	}
	return nil
}

// initLedger builds the in-memory ledger when nothing else provides one and
// mirrors deductions to Stripe when configured.
func (a *App) initLedger() error {
	if a.deducter == nil {
		a.memory = billing.NewMemoryLedger()
		a.deducter = a.memory
	}

	sc := a.cfg.Billing.Stripe
	if sc == nil {
		return nil
	}
	var opts []billingstripe.Option
	if sc.EventName != "" {
		opts = append(opts, billingstripe.WithEventName(sc.EventName))
	}
	rep, err := billingstripe.New(sc.APIKey, billingstripe.StaticCustomers(sc.Customers), opts...)
	if err != nil {
		return fmt.Errorf("stripe: %w", err)
	}
	a.deducter = billing.Tee{a.deducter, rep}
	a.log.Info("usage reporting to stripe enabled", "customers", len(sc.Customers))
	return nil
}

func (a *App) initAnalyzer() {
	p := a.providers
	cb := resilience.CircuitBreakerConfig{
		Clock: a.clock,
		OnStateChange: func(name string, from, to resilience.State) {
			a.log.Warn("grading breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
	}
	g := grading.NewGuarded(p.Grading.Name, p.Grading.Analyzer, cb,
		grading.WithMetrics(a.metrics),
		grading.WithTimeout(a.cfg.Test.FinalizeTimeout/2),
	)
	for _, fb := range p.GradingFallbacks {
		g.AddFallback(fb.Name, fb.Analyzer)
	}
	a.analyzer = g
}

// creditNewUser gives users of the in-memory ledger their starting balance
// once per process.
func (a *App) creditNewUser(_ context.Context, rt *Runtime) {
	if a.memory == nil || a.cfg.Billing.InitialMinutes <= 0 {
		return
	}
	a.creditMu.Lock()
	defer a.creditMu.Unlock()
	if a.credited[rt.UserID] {
		return
	}
	a.credited[rt.UserID] = true
	a.memory.Credit(rt.UserID, a.cfg.Billing.InitialMinutes)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the per-user session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Results returns the results store.
func (a *App) Results() results.Store { return a.results }

// Analyzer returns the guarded grading analyzer.
func (a *App) Analyzer() *grading.Guarded { return a.analyzer }

// Sweeper returns the stale-counter sweeper.
func (a *App) Sweeper() *billing.Sweeper { return a.sweeper }

// Ledger returns the in-memory minute ledger, or nil when minutes are kept
// elsewhere.
func (a *App) Ledger() *billing.MemoryLedger { return a.memory }

// AddCloser registers fn to run during Shutdown, before the closers
// registered by New.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Checkers returns the readiness checks of the app's dependencies.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{{
		Name: "sessions",
		Check: func(context.Context) error {
			if a.sessions.Closed() {
				return ErrShuttingDown
			}
			return nil
		},
	}}
	if a.pool != nil {
		checks = append(checks, health.Checker{Name: "postgres", Check: a.pool.Ping})
	}
	return checks
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves handler on the configured address and runs the sweeper, the
// runtime evictor and the config watcher until ctx is cancelled. Run then
// stops the HTTP server gracefully and returns ctx's error.
func (a *App) Run(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.sweeper.Start()
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.sweeper.Stop(stopCtx)
		return nil
	})

	g.Go(func() error {
		a.evictLoop(gctx)
		return nil
	})

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, config.WithLogger(a.log))
		if err != nil {
			a.log.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	err := g.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) evictLoop(ctx context.Context) {
	t := time.NewTicker(DefaultEvictInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sessions.Evict(ctx, a.idle)
		}
	}
}

// reload applies a changed config file.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TestChanged {
		a.sessions.SetConfig(new)
		a.log.Info("test timings reloaded for new sessions", "modes_changed", d.ModesChanged)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "settings", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to a slog level. Unknown levels map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown settles every runtime and then closes the stores in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Shutdown(ctx); err != nil {
			a.log.Warn("runtime shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
