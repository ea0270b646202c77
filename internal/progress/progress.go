// Package progress defines the narrow external collaborator both
// protocol engines report through. Terminal rendering is out of
// scope; this package only carries the interface and a slog-based
// default.
package progress

import "log/slog"

// Reporter receives coarse-grained progress events from a running
// engine. Implementations must not block for long; a slow reporter
// stalls the single-threaded burn loop.
type Reporter interface {
	// Stage announces entry into a named protocol stage (e.g. "rom",
	// "bl2", "tpl", "download-spl").
	Stage(name string)

	// Item announces progress writing or verifying one image item,
	// with done/total in bytes (total may be zero when unknown).
	Item(main, sub string, done, total uint64)

	// Done announces the engine finished, err is nil on success.
	Done(err error)
}

// SlogReporter logs every event through a *slog.Logger: stages and
// successful completion at Info, item progress at Debug, and failures
// at Error.
// It is the default used by cmd/amlboot when no richer UI is wired in.
type SlogReporter struct {
	Log *slog.Logger
}

// NewSlogReporter wraps log, or the default logger when log is nil.
func NewSlogReporter(log *slog.Logger) *SlogReporter {
	if log == nil {
		log = slog.Default()
	}
	return &SlogReporter{Log: log}
}

func (r *SlogReporter) Stage(name string) {
	r.Log.Info("stage", "name", name)
}

func (r *SlogReporter) Item(main, sub string, done, total uint64) {
	r.Log.Debug("item progress", "main", main, "sub", sub, "done", done, "total", total)
}

func (r *SlogReporter) Done(err error) {
	if err != nil {
		r.Log.Error("run failed", "error", err)
		return
	}
	r.Log.Info("run complete")
}

// Noop discards every event; useful in tests that don't care about
// progress reporting.
type Noop struct{}

func (Noop) Stage(string)                       {}
func (Noop) Item(string, string, uint64, uint64) {}
func (Noop) Done(error)                          {}
