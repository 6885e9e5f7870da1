// Package cron runs callbacks on 5-field cron schedules in local time.
//
// Each registered job gets its own goroutine that sleeps until the next
// matching minute and then calls the job function. The function should hand
// work off (the controller enqueues a refresh) rather than do it inline.
//
// Clock injection: NewWithClock accepts a clock so tests can advance time
// without wall-clock sleeps.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time.Now and time.After.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ────────────────────────────────────────────────────────────────────────────
// Expression parsing
// ────────────────────────────────────────────────────────────────────────────

// Schedule is a compiled cron expression. Every field is a bit set of the
// values it matches.
//
//	minute(0-59)  hour(0-23)  day-of-month(1-31)  month(1-12)  day-of-week(0-6, 7=Sunday)
type Schedule struct {
	minute, hour, dom, month, dow uint64
	// Day-of-month and day-of-week are ORed when both are restricted, as in
	// classic cron.
	domAny, dowAny bool
	loc            *time.Location
}

type fieldSpec struct {
	name     string
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Parse compiles a 5-field expression evaluated in time.Local. Each field
// accepts *, N, N-M, */S, N-M/S, N/S and comma-separated lists of those.
func Parse(expr string) (*Schedule, error) {
	return ParseInLocation(expr, time.Local)
}

// ParseInLocation is Parse with an explicit location.
func ParseInLocation(expr string, loc *time.Location) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expression must have 5 fields, got %d in %q", len(fields), expr)
	}

	var sets [5]uint64
	for i, f := range fields {
		set, err := parseField(f, fieldSpecs[i].min, fieldSpecs[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s field %q: %w", fieldSpecs[i].name, f, err)
		}
		sets[i] = set
	}

	// Sunday may be written as 0 or 7.
	dow := sets[4]
	if dow&(1<<7) != 0 {
		dow = (dow | 1) &^ (1 << 7)
	}

	return &Schedule{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    dow,
		domAny: strings.HasPrefix(fields[2], "*"),
		dowAny: strings.HasPrefix(fields[4], "*"),
		loc:    loc,
	}, nil
}

func parseField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsPart, err := parsePart(part, min, max)
		if err != nil {
			return 0, err
		}
		set |= bitsPart
	}
	return set, nil
}

func parsePart(part string, min, max int) (uint64, error) {
	base, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step %q", stepStr)
		}
		step = s
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = min, max
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", base)
		}
		lo, hi = v, v
		if hasStep {
			hi = max
		}
	}
	if lo < min || hi > max || lo > hi {
		return 0, fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", lo, hi, min, max)
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := has(s.dom, t.Day())
	dowOK := has(s.dow, int(t.Weekday()))
	if s.domAny || s.dowAny {
		return domOK && dowOK
	}
	return domOK || dowOK
}

// Next returns the first matching minute strictly after now, or the zero
// time when none exists within 366 days.
func (s *Schedule) Next(now time.Time) time.Time {
	t := now.In(s.loc).Truncate(time.Minute).Add(time.Minute)
	end := t.AddDate(1, 0, 1)
	for t.Before(end) {
		switch {
		case !has(s.month, int(t.Month())) || !s.dayMatches(t):
			// Skip to the next local midnight.
			y, m, d := t.Date()
			t = time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
		case !has(s.hour, t.Hour()):
			y, m, d := t.Date()
			t = time.Date(y, m, d, t.Hour()+1, 0, 0, 0, s.loc)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// minutesPerHour counts the minute values of the schedule.
func (s *Schedule) minutesPerHour() int { return bits.OnesCount64(s.minute) }

// ────────────────────────────────────────────────────────────────────────────
// Scheduler
// ────────────────────────────────────────────────────────────────────────────

// Handle identifies a registered job.
type Handle uint64

type job struct {
	name   string
	expr   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the running jobs. New creates an idle scheduler; Register
// starts jobs; Clear and Stop end them.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[Handle]*job
	next   Handle
	ctx    context.Context
	cancel context.CancelFunc
	clk    Clock
	loc    *time.Location
}

// New returns a Scheduler using the wall clock and time.Local.
func New() *Scheduler {
	return NewWithClock(realClock{}, time.Local)
}

// NewInLocation returns a Scheduler using the wall clock and loc.
func NewInLocation(loc *time.Location) *Scheduler {
	return NewWithClock(realClock{}, loc)
}

// NewWithClock returns a Scheduler driven by clk, evaluating expressions in
// loc.
func NewWithClock(clk Clock, loc *time.Location) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[Handle]*job),
		ctx:    ctx,
		cancel: cancel,
		clk:    clk,
		loc:    loc,
	}
}

// Register parses expr and starts calling fn at every matching minute until
// the job is cleared.
func (s *Scheduler) Register(name, expr string, fn func(ctx context.Context)) (Handle, error) {
	sched, err := ParseInLocation(expr, s.loc)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return 0, fmt.Errorf("cron: scheduler stopped")
	}

	s.next++
	h := s.next
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{name: name, expr: expr, cancel: cancel, done: make(chan struct{})}
	s.jobs[h] = j

	slog.Info("cron: job registered",
		"name", name, "expression", expr, "next", sched.Next(s.clk.Now()),
		"minutes_per_hour", sched.minutesPerHour())
	go s.run(ctx, j, sched, fn)
	return h, nil
}

// Clear stops the job and waits for its goroutine to exit. Unknown or
// already cleared handles are ignored.
func (s *Scheduler) Clear(h Handle) {
	s.mu.Lock()
	j, ok := s.jobs[h]
	delete(s.jobs, h)
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	<-j.done
	slog.Info("cron: job cleared", "name", j.name)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop clears every job and refuses new registrations.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[Handle]*job)
	s.mu.Unlock()
	for _, j := range jobs {
		<-j.done
	}
}

func (s *Scheduler) run(ctx context.Context, j *job, sched *Schedule, fn func(context.Context)) {
	defer close(j.done)
	for {
		now := s.clk.Now()
		next := sched.Next(now)
		if next.IsZero() {
			slog.Error("cron: no upcoming match; stopping job", "name", j.name, "expression", j.expr)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(max(next.Sub(now), 0)):
			slog.Debug("cron: firing", "name", j.name, "scheduled", next)
			fn(ctx)
		}
	}
}
