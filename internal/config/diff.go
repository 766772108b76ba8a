package config

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/MrWong99/speakwell/internal/grading"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked. Timing changes
// apply to sessions created after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TestChanged is true if any field of [TestConfig] changed.
	TestChanged bool

	// ModesChanged lists the modes whose timing was added, removed or
	// modified, sorted.
	ModesChanged []grading.Mode

	// RestartRequired lists settings that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything that can be hot-reloaded changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TestChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ModesChanged = diffModes(old.Test.Modes, new.Test.Modes)
	d.TestChanged = old.Test.scalars() != new.Test.scalars() || len(d.ModesChanged) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server.trace_sample_ratio")
	}
	if !sameProvider(old.Providers.Voice, new.Providers.Voice) {
		d.RestartRequired = append(d.RestartRequired, "providers.voice")
	}
	if !sameProvider(old.Providers.Grading, new.Providers.Grading) ||
		!slices.EqualFunc(old.Providers.GradingFallbacks, new.Providers.GradingFallbacks, sameProvider) {
		d.RestartRequired = append(d.RestartRequired, "providers.grading")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Billing.Ledger != new.Billing.Ledger || old.Billing.GraceSeconds != new.Billing.GraceSeconds {
		d.RestartRequired = append(d.RestartRequired, "billing")
	}

	return d
}

// testScalars is the comparable part of [TestConfig].
type testScalars struct {
	minMessages int
	conclusion  time.Duration
	preparation time.Duration
	silence     time.Duration
	windDown    time.Duration
	finalize    time.Duration
}

func (t TestConfig) scalars() testScalars {
	return testScalars{
		minMessages: t.MinMessages,
		conclusion:  t.ConclusionStopDelay,
		preparation: t.PreparationTime,
		silence:     t.SilenceTimeout,
		windDown:    t.WindDownFallback,
		finalize:    t.FinalizeTimeout,
	}
}

func diffModes(old, new map[grading.Mode]ModeTiming) []grading.Mode {
	var changed []grading.Mode
	for m, ot := range old {
		if nt, ok := new[m]; !ok || nt != ot {
			changed = append(changed, m)
		}
	}
	for m := range new {
		if _, ok := old[m]; !ok {
			changed = append(changed, m)
		}
	}
	slices.Sort(changed)
	return changed
}

func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
