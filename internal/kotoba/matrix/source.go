// Package matrix feeds the history state from a Matrix room.
//
// A message whose body is a JSON object is stored verbatim, so a bridge can
// forward adapter history entries unchanged. Any other text message becomes a
// minimal history entry: the body is the summary, the sender the device name
// and the server timestamp the creation time. Messages sent before the
// source started are ignored so an initial sync does not replay the room.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kotoba/common/redact"
	"github.com/bdobrica/Kotoba/common/spec/history"
	"github.com/bdobrica/Kotoba/common/trace"
	"github.com/bdobrica/Kotoba/internal/kotoba/bus"
	"github.com/bdobrica/Kotoba/internal/kotoba/observability"
)

// Origin is recorded as the writer of values received from Matrix.
const Origin = "system.adapter.kotoba.matrix"

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// RoomID restricts the source to one room, which it joins on start.
	// Empty accepts messages from every joined room.
	RoomID string
	// AllowedSenders restricts who may write history. Empty allows anyone
	// except the source's own user.
	AllowedSenders []string
}

// Setter stores a state value.
type Setter interface {
	Set(ctx context.Context, id string, v bus.Value) error
}

// Source relays room messages into a state.
type Source struct {
	mxc     *mautrix.Client
	cfg     Config
	stateID string
	states  Setter
	started time.Time
	stopCh  chan struct{}
}

// New creates the Matrix client but does not start syncing.
func New(cfg Config, stateID string, states Setter) (*Source, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	return &Source{mxc: mxc, cfg: cfg, stateID: stateID, states: states, stopCh: make(chan struct{})}, nil
}

// Start joins the configured room and runs the sync loop in the background,
// reconnecting with exponential back-off.
func (s *Source) Start(ctx context.Context) error {
	s.started = time.Now()
	slog.Warn("matrix: E2EE is not enabled; only plaintext rooms are read")

	syncer, ok := s.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", s.mxc.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		s.handle(ctx, evt)
	})

	if s.cfg.RoomID != "" {
		if _, err := s.mxc.JoinRoomByID(ctx, id.RoomID(s.cfg.RoomID)); err != nil {
			// mautrix reports an error even when already a member.
			slog.Info("matrix: join room result", "room", s.cfg.RoomID, "err", err)
		}
	}

	go s.syncLoop(ctx)
	slog.Info("matrix: source started", "user", s.cfg.UserID, "room", s.cfg.RoomID, "state", s.stateID)
	return nil
}

func (s *Source) syncLoop(ctx context.Context) {
	const backoffMax = 5 * time.Minute
	backoff := 2 * time.Second
	for {
		err := s.mxc.SyncWithContext(ctx)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err == nil {
			backoff = 2 * time.Second
			continue
		}
		slog.Error("matrix: sync error; reconnecting",
			"err", redact.String(err.Error(), s.cfg.AccessToken), "backoff", backoff)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop halts the sync loop.
func (s *Source) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	s.mxc.StopSync()
}

func (s *Source) handle(ctx context.Context, evt *event.Event) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	logger := observability.WithTrace(ctx)

	if !s.accepts(evt) {
		return
	}
	val, ok := toValue(evt)
	if !ok {
		logger.Debug("matrix: ignoring non-text message", "sender", evt.Sender, "event", evt.ID)
		return
	}
	if err := s.states.Set(ctx, s.stateID, val); err != nil {
		logger.Error("matrix: cannot store message", "state", s.stateID, "err", err)
		return
	}
	logger.Debug("matrix: message stored", "sender", evt.Sender, "event", evt.ID)
}

// accepts applies the room, sender and age checks.
func (s *Source) accepts(evt *event.Event) bool {
	if evt.Sender == id.UserID(s.cfg.UserID) {
		return false
	}
	if s.cfg.RoomID != "" && evt.RoomID != id.RoomID(s.cfg.RoomID) {
		return false
	}
	if len(s.cfg.AllowedSenders) > 0 && !slices.Contains(s.cfg.AllowedSenders, evt.Sender.String()) {
		return false
	}
	if !s.started.IsZero() && evt.Timestamp < s.started.UnixMilli() {
		return false
	}
	return true
}

// toValue converts a text message into a history value.
func toValue(evt *event.Event) (bus.Value, bool) {
	msg := evt.Content.AsMessage()
	if msg.MsgType != event.MsgText && msg.MsgType != event.MsgNotice {
		return bus.Value{}, false
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return bus.Value{}, false
	}

	if strings.HasPrefix(body, "{") && json.Valid([]byte(body)) {
		return bus.Value{Val: body, Ack: true, From: Origin}, true
	}

	name := evt.Sender.String()
	b, err := json.Marshal(history.Event{
		Summary:      body,
		CreationTime: evt.Timestamp,
		Name:         &name,
	})
	if err != nil {
		return bus.Value{}, false
	}
	return bus.Value{Val: string(bytes.TrimSpace(b)), Ack: true, From: Origin}, true
}
