// Package navguard holds outbound navigation while a speaking session is
// live.
//
// Every navigation intent of a user's page (router push and replace, the
// browser back button, clicks on in-app links) is routed through one
// [Guard]. While the session is active the guard parks the intent, asks for
// confirmation, and only after confirmation stops the session and performs
// the intent through the unguarded [Navigator]. When no session is active
// intents pass straight through.
package navguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// ErrNoPendingNavigation is returned by [Guard.Confirm] and [Guard.Cancel]
// when nothing is waiting for confirmation.
var ErrNoPendingNavigation = errors.New("navguard: no pending navigation")

// Kind is the origin of a navigation intent.
type Kind string

const (
	KindPush    Kind = "push"
	KindReplace Kind = "replace"
	KindBack    Kind = "back"
	KindLink    Kind = "link"
	KindUnload  Kind = "unload"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPush, KindReplace, KindBack, KindLink, KindUnload:
		return true
	}
	return false
}

// Intent is one requested navigation. Path is empty for [KindBack] until the
// guard resolves it against its history.
type Intent struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path,omitempty"`
}

// Navigator performs a navigation without any guarding.
type Navigator interface {
	Navigate(ctx context.Context, in Intent) error
}

// NavigatorFunc adapts a function to [Navigator].
type NavigatorFunc func(ctx context.Context, in Intent) error

// Navigate calls f(ctx, in).
func (f NavigatorFunc) Navigate(ctx context.Context, in Intent) error { return f(ctx, in) }

// Stopper ends the live session and clears the test state before a
// confirmed navigation.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Reconciler settles usage that accrued so far without ending the session.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Prompter shows the leave-the-test confirmation for a held intent.
type Prompter interface {
	Prompt(in Intent)
}

// PrompterFunc adapts a function to [Prompter].
type PrompterFunc func(in Intent)

// Prompt calls f(in).
func (f PrompterFunc) Prompt(in Intent) { f(in) }

// Outcome reports what the guard did with an intent.
type Outcome int

const (
	// Ignored means the intent is not an in-app navigation; default handling
	// applies.
	Ignored Outcome = iota
	// Allowed means the navigation was performed.
	Allowed
	// Held means the navigation waits for [Guard.Confirm] or [Guard.Cancel].
	Held
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Held:
		return "held"
	default:
		return "ignored"
	}
}

// Config configures a [Guard].
type Config struct {
	// Navigator performs confirmed and unguarded navigations. Required.
	Navigator Navigator

	// Active reports whether a session is live. Required.
	Active func() bool

	// Stopper is called before a confirmed navigation. Required.
	Stopper Stopper

	// Prompter and Reconciler are optional.
	Prompter   Prompter
	Reconciler Reconciler

	// Start is the initial page. Default: "/".
	Start string

	Logger *slog.Logger
}

// Guard is the single dispatcher for one user's navigation intents. All
// methods are safe for concurrent use.
type Guard struct {
	nav        Navigator
	active     func() bool
	stopper    Stopper
	prompter   Prompter
	reconciler Reconciler
	log        *slog.Logger

	mu      sync.Mutex
	history []string
	pending *Intent
}

// New returns a Guard.
func New(cfg Config) (*Guard, error) {
	var errs []error
	if cfg.Navigator == nil {
		errs = append(errs, errors.New("navguard: navigator is required"))
	}
	if cfg.Active == nil {
		errs = append(errs, errors.New("navguard: active func is required"))
	}
	if cfg.Stopper == nil {
		errs = append(errs, errors.New("navguard: stopper is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Start == "" {
		cfg.Start = "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		nav:        cfg.Navigator,
		active:     cfg.Active,
		stopper:    cfg.Stopper,
		prompter:   cfg.Prompter,
		reconciler: cfg.Reconciler,
		log:        cfg.Logger,
		history:    []string{cfg.Start},
	}, nil
}

// Current returns the path of the page the user is on.
func (g *Guard) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history[len(g.history)-1]
}

// Pending returns the intent waiting for confirmation.
func (g *Guard) Pending() (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Intent{}, false
	}
	return *g.pending, true
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

// Navigate routes in through the guard. A newer held intent replaces an
// older one.
func (g *Guard) Navigate(ctx context.Context, in Intent) (Outcome, error) {
	if !in.Kind.Valid() || in.Kind == KindUnload {
		return Ignored, fmt.Errorf("navguard: cannot dispatch %q intent", in.Kind)
	}
	if in.Kind != KindBack && in.Path == "" {
		return Ignored, errors.New("navguard: path is required")
	}
	if !g.active() {
		if err := g.perform(ctx, in); err != nil {
			return Ignored, err
		}
		return Allowed, nil
	}

	g.mu.Lock()
	held := in
	g.pending = &held
	g.mu.Unlock()

	g.log.Info("navguard: navigation held", "kind", string(in.Kind), "path", in.Path)
	if g.prompter != nil {
		g.prompter.Prompt(in)
	}
	return Held, nil
}

// Push is the guarded router push.
func (g *Guard) Push(ctx context.Context, path string) (Outcome, error) {
	return g.Navigate(ctx, Intent{Kind: KindPush, Path: path})
}

// Replace is the guarded router replace.
func (g *Guard) Replace(ctx context.Context, path string) (Outcome, error) {
	return g.Navigate(ctx, Intent{Kind: KindReplace, Path: path})
}

// Navigator adapts g to a [Navigator] for in-app redirects. A held intent
// is not an error.
func (g *Guard) Navigator() Navigator {
	return NavigatorFunc(func(ctx context.Context, in Intent) error {
		_, err := g.Navigate(ctx, in)
		return err
	})
}

// PopState handles the browser back button. The browser has already left
// the page, so while a session is live the current page is pushed again
// before the back intent is held.
func (g *Guard) PopState(ctx context.Context) (Outcome, error) {
	if !g.active() {
		return g.Navigate(ctx, Intent{Kind: KindBack})
	}
	current := g.Current()
	if err := g.nav.Navigate(ctx, Intent{Kind: KindPush, Path: current}); err != nil {
		g.log.Warn("navguard: restore page after back", "path", current, "err", err)
	}
	return g.Navigate(ctx, Intent{Kind: KindBack})
}

// ClickLink handles a click on el. It walks up to the enclosing anchor and
// guards only links that stay inside the application in the same tab.
func (g *Guard) ClickLink(ctx context.Context, el *Element) (Outcome, error) {
	a := el.Anchor()
	if a == nil {
		return Ignored, nil
	}
	path, ok := g.internalPath(a)
	if !ok {
		return Ignored, nil
	}
	return g.Navigate(ctx, Intent{Kind: KindLink, Path: path})
}

// BeforeUnload reports whether the page should ask before unloading. While
// a session is live the usage so far is settled first; failures are only
// logged.
func (g *Guard) BeforeUnload(ctx context.Context) bool {
	if !g.active() {
		return false
	}
	if g.reconciler != nil {
		if err := g.reconciler.Reconcile(ctx); err != nil {
			g.log.Warn("navguard: reconcile before unload", "err", err)
		}
	}
	return true
}

// Confirm stops the session and then performs the held intent without
// guarding it again. The navigation happens even if stopping failed; both
// errors are returned.
func (g *Guard) Confirm(ctx context.Context) (Intent, error) {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()
	if p == nil {
		return Intent{}, ErrNoPendingNavigation
	}

	var errs []error
	if err := g.stopper.Stop(ctx); err != nil {
		g.log.Warn("navguard: stop session before navigation", "err", err)
		errs = append(errs, fmt.Errorf("navguard: stop: %w", err))
	}
	in := *p
	if err := g.perform(ctx, in); err != nil {
		errs = append(errs, err)
	}
	return in, errors.Join(errs...)
}

// Cancel discards the held intent and leaves the page and session as they
// are.
func (g *Guard) Cancel() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ErrNoPendingNavigation
	}
	g.log.Info("navguard: navigation cancelled", "kind", string(g.pending.Kind), "path", g.pending.Path)
	g.pending = nil
	return nil
}

// perform resolves in against the history, dispatches it and records the
// new page.
func (g *Guard) perform(ctx context.Context, in Intent) error {
	g.mu.Lock()
	if in.Kind == KindBack {
		if len(g.history) > 1 {
			in.Path = g.history[len(g.history)-2]
		} else {
			in.Path = g.history[0]
		}
	}
	g.mu.Unlock()

	if err := g.nav.Navigate(ctx, in); err != nil {
		return fmt.Errorf("navguard: navigate %s %s: %w", in.Kind, in.Path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch in.Kind {
	case KindBack:
		if len(g.history) > 1 {
			g.history = g.history[:len(g.history)-1]
		}
	case KindReplace:
		g.history[len(g.history)-1] = in.Path
	default:
		g.history = append(g.history, in.Path)
	}
	return nil
}

// internalPath resolves the anchor's href against the current page and
// reports whether it is a same-tab link inside the application.
func (g *Guard) internalPath(a *Element) (string, bool) {
	if a.Download {
		return "", false
	}
	if t := strings.ToLower(a.Target); t != "" && t != "_self" {
		return "", false
	}
	ref, err := url.Parse(strings.TrimSpace(a.Href))
	if err != nil || ref.IsAbs() || ref.Host != "" {
		return "", false
	}
	if ref.Path == "" && ref.RawQuery == "" {
		// Fragment-only links stay on the page.
		return "", false
	}
	base, err := url.Parse(g.Current())
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	u.Fragment = ""
	return u.RequestURI(), true
}
