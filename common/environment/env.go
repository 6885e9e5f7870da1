// Package environment reads configuration overrides from environment
// variables.
//
// Every getter takes the current value as its fallback, so a config struct
// loaded from YAML can be overlaid field by field:
//
//	env := environment.WithPrefix("KOTOBA_")
//	cfg.MaxEntries = env.Int("MAX_ENTRIES", cfg.MaxEntries)
//
// Unparsable values are ignored and the fallback is returned; Problems lists
// them so the caller can log what was skipped.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source looks variables up under a fixed name prefix.
type Source struct {
	prefix   string
	problems []string
	lookup   func(string) (string, bool)
}

// WithPrefix returns a Source reading the process environment.
func WithPrefix(prefix string) *Source {
	return &Source{prefix: prefix, lookup: os.LookupEnv}
}

// Name returns the full variable name for key.
func (s *Source) Name(key string) string {
	return s.prefix + key
}

func (s *Source) get(key string) (string, bool) {
	v, ok := s.lookup(s.Name(key))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (s *Source) bad(key, value string, err error) {
	s.problems = append(s.problems, fmt.Sprintf("%s=%q: %v", s.Name(key), value, err))
}

// String returns the variable's value, or fallback when unset or empty.
func (s *Source) String(key, fallback string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return fallback
}

// Bool parses the variable with strconv.ParseBool.
func (s *Source) Bool(key string, fallback bool) bool {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.bad(key, v, err)
		return fallback
	}
	return b
}

// Int parses the variable as a decimal integer.
func (s *Source) Int(key string, fallback int) int {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.bad(key, v, err)
		return fallback
	}
	return n
}

// Float parses the variable as a decimal number.
func (s *Source) Float(key string, fallback float64) float64 {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.bad(key, v, err)
		return fallback
	}
	return f
}

// Duration parses the variable with time.ParseDuration ("2s", "150ms").
func (s *Source) Duration(key string, fallback time.Duration) time.Duration {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.bad(key, v, err)
		return fallback
	}
	return d
}

// List splits the variable on commas and trims every element. Empty
// elements are dropped unless keepEmpty is set, which matters for lists
// where "" is itself a meaningful entry.
func (s *Source) List(key string, fallback []string, keepEmpty bool) []string {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" && !keepEmpty {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Problems returns the variables that were set but could not be parsed.
func (s *Source) Problems() []string {
	return s.problems
}
