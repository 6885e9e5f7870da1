// Package filewatch feeds the history state from a JSON file that another
// process rewrites after every command, e.g. an adapter dumping its latest
// history entry to disk.
//
// The parent directory is watched rather than the file itself so that
// writers replacing the file through a rename are still seen.
package filewatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bdobrica/Kotoba/common/trace"
	"github.com/bdobrica/Kotoba/internal/kotoba/bus"
	"github.com/bdobrica/Kotoba/internal/kotoba/observability"
)

// Origin is recorded as the writer of values read from the file.
const Origin = "system.adapter.kotoba.filewatch"

// DefaultSettle is how long the watcher waits after the last event before
// reading, so a write in several chunks is read once.
const DefaultSettle = 100 * time.Millisecond

// Setter stores a state value.
type Setter interface {
	Set(ctx context.Context, id string, v bus.Value) error
}

// Watcher copies the file's content into a state whenever it changes.
type Watcher struct {
	path    string
	stateID string
	states  Setter
	settle  time.Duration
	last    []byte
}

// New returns a Watcher for path writing to stateID.
func New(path, stateID string, states Setter) *Watcher {
	return &Watcher{path: filepath.Clean(path), stateID: stateID, states: states, settle: DefaultSettle}
}

// Run watches until ctx is cancelled. The content present at start is
// treated as already delivered.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatch: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("filewatch: watch %s: %w", dir, err)
	}
	if data, err := os.ReadFile(w.path); err == nil {
		w.last = bytes.TrimSpace(data)
	}
	slog.Info("filewatch: watching", "path", w.path, "state", w.stateID)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.settle)
			} else {
				timer.Reset(w.settle)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.deliver(trace.WithTraceID(ctx, trace.GenerateID()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filewatch: watcher error", "path", w.path, "err", err)
		}
	}
}

// deliver reads the file and stores its content unless it is empty or equal
// to the previous delivery.
func (w *Watcher) deliver(ctx context.Context) {
	logger := observability.WithTrace(ctx).With("path", w.path)

	data, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		logger.Warn("filewatch: cannot read file", "err", err)
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, w.last) {
		return
	}
	w.last = data

	if err := w.states.Set(ctx, w.stateID, bus.Value{Val: string(data), Ack: true, From: Origin}); err != nil {
		logger.Error("filewatch: cannot store value", "state", w.stateID, "err", err)
		return
	}
	logger.Debug("filewatch: value stored", "state", w.stateID, "bytes", len(data))
}
