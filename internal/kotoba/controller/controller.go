// Package controller owns the history log and drives it from two triggers:
// change notifications on the history state and a daily midnight refresh.
//
// The Controller is an actor. Every unit of work (startup, one notification,
// one refresh, a snapshot request) is a job on a single inbox consumed by one
// goroutine, so the log is never read or written by two jobs at once. Bus
// and cron callbacks only enqueue.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kotoba/common/retry"
	"github.com/bdobrica/Kotoba/common/spec/history"
	"github.com/bdobrica/Kotoba/common/trace"
	"github.com/bdobrica/Kotoba/internal/kotoba/bus"
	"github.com/bdobrica/Kotoba/internal/kotoba/cron"
	"github.com/bdobrica/Kotoba/internal/kotoba/datefmt"
	"github.com/bdobrica/Kotoba/internal/kotoba/filter"
	"github.com/bdobrica/Kotoba/internal/kotoba/historylog"
	"github.com/bdobrica/Kotoba/internal/kotoba/observability"
	"github.com/bdobrica/Kotoba/internal/kotoba/row"
	"github.com/bdobrica/Kotoba/internal/kotoba/states"
)

// ErrStopped is returned by Start and Snapshot once the controller is shut
// down.
var ErrStopped = errors.New("controller: stopped")

// MidnightJob is the name of the cron job that refreshes relative dates.
const MidnightJob = "history-midnight-refresh"

// OutputCommon is the schema the output state is created with.
var OutputCommon = states.Common{
	Name:  "Alexa History: JSON for VIS table",
	Type:  "string",
	Read:  true,
	Write: false,
	Role:  "value",
	Def:   "",
}

// StateStore is the subset of states.States the controller uses.
type StateStore interface {
	Ensure(ctx context.Context, path string, common states.Common, force bool) (string, bool, error)
	Get(ctx context.Context, id string) (string, error)
	Set(ctx context.Context, id string, v bus.Value) error
}

// Subscriber delivers notifications for one state ID.
type Subscriber interface {
	Subscribe(stateID string, h bus.Handler) (cancel func())
}

// Scheduler registers recurring jobs.
type Scheduler interface {
	Register(name, expr string, fn func(ctx context.Context)) (cron.Handle, error)
	Clear(h cron.Handle)
}

// Config holds the static settings of a Controller.
type Config struct {
	// OutputPath is the state the serialized table is written to. It is
	// normalized with states.NormalizePath.
	OutputPath string
	// SourceID is the history state to subscribe to, matched exactly.
	SourceID string
	// MaxEntries caps the log length.
	MaxEntries int
	// Row configures columns, capitalization and the time template.
	Row row.Options
	// Filter configures the ignore list and noise phrase.
	Filter filter.Config
	// MidnightCron is the expression of the date refresh job.
	MidnightCron string
	// SettleDelay is waited after ensuring the output state and before the
	// first read, because the store may acknowledge a create before the
	// state is readable.
	SettleDelay time.Duration
	// ReadRetry governs the first read after the settling delay.
	ReadRetry retry.Config
	// InboxSize is the number of jobs that may wait for the actor.
	InboxSize int
}

// job is one unit of work executed on the actor goroutine. traceID, when
// set, carries the trace of whoever queued the job.
type job struct {
	name    string
	traceID string
	fn      func(ctx context.Context)
}

// Controller maintains the history log. Create it with New, then call Run
// in its own goroutine and Start once.
type Controller struct {
	cfg    Config
	states StateStore
	bus    Subscriber
	sched  Scheduler

	filter *filter.Filter
	norm   *row.Normalizer
	log    *historylog.Log

	inbox chan job
	done  chan struct{}
	once  sync.Once

	// Owned by the actor goroutine.
	outputID    string
	unsubscribe func()
	midnight    cron.Handle
	scheduled   bool

	sleep func(ctx context.Context, d time.Duration) error

	admitted   atomic.Int64
	malformed  atomic.Int64
	writes     atomic.Int64
	writeFails atomic.Int64
}

// New returns a Controller. f supplies "now" and the location for date
// formatting.
func New(cfg Config, st StateStore, sub Subscriber, sched Scheduler, f datefmt.Formatter) *Controller {
	if cfg.MidnightCron == "" {
		cfg.MidnightCron = "1 0 * * *"
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	return &Controller{
		cfg:    cfg,
		states: st,
		bus:    sub,
		sched:  sched,
		filter: filter.New(cfg.Filter),
		norm:   row.NewNormalizer(cfg.Row, f),
		log:    historylog.New(cfg.MaxEntries),
		inbox:  make(chan job, cfg.InboxSize),
		done:   make(chan struct{}),
		sleep:  sleepCtx,
	}
}

// Run consumes the inbox until ctx is cancelled, then releases the bus
// subscription and the midnight job.
func (c *Controller) Run(ctx context.Context) {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.inbox:
			c.exec(ctx, j)
		}
	}
}

func (c *Controller) exec(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("controller: job panicked", "job", j.name, "panic", r)
		}
	}()
	if j.traceID != "" {
		ctx = trace.WithTraceID(ctx, j.traceID)
	}
	j.fn(trace.Ensure(ctx))
}

func (c *Controller) shutdown() {
	c.once.Do(func() { close(c.done) })
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.scheduled {
		c.sched.Clear(c.midnight)
		c.scheduled = false
	}
	slog.Info("controller: stopped", "rows", c.log.Len())
}

// enqueue hands j to the actor. It blocks while the inbox is full and fails
// once the controller has stopped or ctx ends.
func (c *Controller) enqueue(ctx context.Context, j job) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- j:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call enqueues fn and waits for it to finish.
func (c *Controller) call(ctx context.Context, name string, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	err := c.enqueue(ctx, job{name: name, fn: func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Startup
// ────────────────────────────────────────────────────────────────────────────

// Start runs the startup sequence on the actor and waits for it. Calling it
// again re-initializes: the old subscription and midnight job are replaced.
//
// Only an invalid output path fails Start. A failed read or load is logged
// and the controller continues with an empty log.
func (c *Controller) Start(ctx context.Context) error {
	var startErr error
	err := c.call(ctx, "start", func(ctx context.Context) {
		startErr = c.start(ctx)
	})
	if err != nil {
		return err
	}
	return startErr
}

func (c *Controller) start(ctx context.Context) error {
	logger := observability.WithTrace(ctx)

	outputID, created, err := c.states.Ensure(ctx, c.cfg.OutputPath, OutputCommon, false)
	if err != nil {
		logger.Error("controller: cannot ensure output state", "path", c.cfg.OutputPath, "err", err)
		return fmt.Errorf("controller: ensure output: %w", err)
	}
	c.outputID = outputID

	if err := c.settle(ctx, created); err != nil {
		return fmt.Errorf("controller: settle: %w", err)
	}

	var current string
	err = retry.Do(ctx, c.readRetry(), func() error {
		var gerr error
		current, gerr = c.states.Get(ctx, outputID)
		return gerr
	})
	switch {
	case err != nil:
		logger.Error("controller: cannot read output state; starting with an empty log", "state", outputID, "err", err)
	default:
		if lerr := c.log.Load(current); lerr != nil {
			logger.Error("controller: stored table is unreadable; starting with an empty log", "state", outputID, "err", lerr)
		}
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.unsubscribe = c.bus.Subscribe(c.cfg.SourceID, c.onNotification)

	c.refresh(ctx)

	if c.scheduled {
		c.sched.Clear(c.midnight)
		c.scheduled = false
	}
	if datefmt.HasRelativeDay(c.cfg.Row.Template) {
		h, err := c.sched.Register(MidnightJob, c.cfg.MidnightCron, c.onMidnight)
		if err != nil {
			logger.Error("controller: cannot schedule midnight refresh", "expression", c.cfg.MidnightCron, "err", err)
		} else {
			c.midnight, c.scheduled = h, true
		}
	}

	logger.Info("controller: started",
		"output", outputID, "source", c.cfg.SourceID, "rows", c.log.Len(),
		"max_entries", c.log.Max(), "midnight_refresh", c.scheduled)
	return nil
}

// settle is the wait between creating the output state and reading it.
func (c *Controller) settle(ctx context.Context, created bool) error {
	if c.cfg.SettleDelay <= 0 {
		return nil
	}
	observability.WithTrace(ctx).Debug("controller: waiting for output state to settle",
		"delay", c.cfg.SettleDelay, "created", created)
	return c.sleep(ctx, c.cfg.SettleDelay)
}

func (c *Controller) readRetry() retry.Config {
	cfg := c.cfg.ReadRetry
	cfg.Retryable = func(err error) bool { return errors.Is(err, states.ErrNotFound) }
	return cfg
}

// ────────────────────────────────────────────────────────────────────────────
// Triggers
// ────────────────────────────────────────────────────────────────────────────

func (c *Controller) onNotification(ctx context.Context, n bus.Notification) {
	if n.ID != c.cfg.SourceID {
		return
	}
	err := c.enqueue(ctx, job{name: "notification", traceID: trace.FromContext(ctx), fn: func(ctx context.Context) {
		c.handleNotification(ctx, n)
	}})
	if err != nil {
		slog.Warn("controller: notification dropped", "state", n.ID, "err", err)
	}
}

func (c *Controller) onMidnight(ctx context.Context) {
	if err := c.enqueue(ctx, job{name: "refresh", fn: c.refresh}); err != nil {
		slog.Warn("controller: midnight refresh dropped", "err", err)
	}
}

// handleNotification turns one history value into a row and writes the
// updated table once.
func (c *Controller) handleNotification(ctx context.Context, n bus.Notification) {
	logger := observability.WithTrace(ctx).With("state", n.ID)

	evt, err := history.Parse([]byte(n.State.Val))
	if err != nil {
		c.malformed.Add(1)
		logger.Warn("controller: skipping malformed history value", "err", err)
		return
	}
	if !c.filter.Admit(evt) {
		logger.Debug("controller: history entry filtered", "summary", evt.Summary)
		return
	}

	c.log.Prepend(c.norm.Normalize(evt))
	c.admitted.Add(1)
	logger.Info("controller: history entry added", "summary", evt.Summary, "rows", c.log.Len())
	c.write(ctx)
}

// refresh re-derives the time column of every row and writes the table.
func (c *Controller) refresh(ctx context.Context) {
	c.log.RefreshDates(c.norm.FormatTime)
	observability.WithTrace(ctx).Debug("controller: dates refreshed", "rows", c.log.Len())
	c.write(ctx)
}

// write serializes the log and stores it. Failures are logged and left for
// the next trigger.
func (c *Controller) write(ctx context.Context) {
	logger := observability.WithTrace(ctx)
	if c.outputID == "" {
		logger.Warn("controller: output state unknown; write skipped")
		return
	}
	payload, err := c.log.Serialize()
	if err != nil {
		c.writeFails.Add(1)
		logger.Error("controller: cannot serialize table", "err", err)
		return
	}
	if err := c.states.Set(ctx, c.outputID, bus.Value{Val: payload, Ack: true}); err != nil {
		c.writeFails.Add(1)
		logger.Error("controller: cannot write table", "state", c.outputID, "err", err)
		return
	}
	c.writes.Add(1)
}

// ────────────────────────────────────────────────────────────────────────────
// Queries
// ────────────────────────────────────────────────────────────────────────────

// Snapshot returns the serialized log as it stands after every job queued
// before the call.
func (c *Controller) Snapshot(ctx context.Context) (string, error) {
	var (
		out  string
		serr error
	)
	err := c.call(ctx, "snapshot", func(context.Context) {
		out, serr = c.log.Serialize()
	})
	if err != nil {
		return "", err
	}
	return out, serr
}

// Refresh queues a date refresh and waits for it.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.call(ctx, "refresh", c.refresh)
}

// Stats reports counters for the status endpoint.
func (c *Controller) Stats() map[string]any {
	return map[string]any{
		"admitted":     c.admitted.Load(),
		"malformed":    c.malformed.Load(),
		"writes":       c.writes.Load(),
		"write_errors": c.writeFails.Load(),
		"queued":       len(c.inbox),
		"filter":       c.filter.Stats(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
