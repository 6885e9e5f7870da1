// Package filter decides which history events are worth a table row.
//
// The adapter also records bare wake words ("alexa") and the "repeat after
// me" skill, which only echoes text back; neither is a command.
package filter

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bdobrica/Kotoba/common/spec/history"
)

// Config lists what to reject.
type Config struct {
	// Ignore holds summaries rejected on an exact, case-sensitive match.
	Ignore []string
	// NoisePhrase rejects any summary containing it. Empty disables the check.
	NoisePhrase string
}

// DefaultConfig matches the German Alexa skill set.
var DefaultConfig = Config{
	Ignore:      []string{"alexa", "echo", "computer"},
	NoisePhrase: "sprich mir nach ",
}

// Filter is a stateless predicate with counters for the status endpoint.
type Filter struct {
	cfg Config

	admitted atomic.Uint64
	rejected atomic.Uint64
}

// New returns a Filter for cfg.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// Admit reports whether evt should be added to the log. The decision
// depends on the summary alone.
func (f *Filter) Admit(evt *history.Event) bool {
	if f.admits(evt.Summary) {
		f.admitted.Add(1)
		return true
	}
	f.rejected.Add(1)
	return false
}

func (f *Filter) admits(summary string) bool {
	if summary == "" || slices.Contains(f.cfg.Ignore, summary) {
		return false
	}
	if f.cfg.NoisePhrase != "" && strings.Contains(summary, f.cfg.NoisePhrase) {
		return false
	}
	return true
}

// Stats returns the decision counters.
func (f *Filter) Stats() map[string]any {
	return map[string]any{
		"admitted":     f.admitted.Load(),
		"rejected":     f.rejected.Load(),
		"ignore_count": len(f.cfg.Ignore),
	}
}
