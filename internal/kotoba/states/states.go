// Package states is the key/value state API the controller runs against:
// idempotent creation with a declared default, reads, and writes that notify
// subscribers on the bus.
//
// User-created states live under one of two locations, "0_userdata.0" or a
// script instance "javascript.N". Foreign states (e.g. the Alexa adapter's
// alexa2.0.History.json) are read and written by their raw ID.
package states

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bdobrica/Kotoba/internal/kotoba/bus"
	"github.com/bdobrica/Kotoba/internal/kotoba/store"
)

var (
	// ErrNotFound is returned by Get when the state does not exist.
	ErrNotFound = errors.New("states: not found")
	// ErrInvalidPath is returned for empty or unusable state paths.
	ErrInvalidPath = errors.New("states: invalid path")
)

// DefaultLocation is used for paths that carry no location prefix.
const DefaultLocation = "0_userdata.0"

var (
	locationPrefix = regexp.MustCompile(`^((javascript\.([1-9][0-9]|[0-9])\.)|0_userdata\.0\.)`)
	locationOnly   = regexp.MustCompile(`^(javascript\.([1-9][0-9]|[0-9])|0_userdata\.0)$`)
	repeatedDots   = regexp.MustCompile(`\.{2,}`)
)

// NormalizePath cleans a user state path and resolves its location.
//
//	"Alexa.Table"                 -> "0_userdata.0.Alexa.Table", "0_userdata.0"
//	"javascript.1.Alexa.Table."   -> "javascript.1.Alexa.Table", "javascript.1"
func NormalizePath(path string) (full, location string, err error) {
	path = repeatedDots.ReplaceAllString(strings.TrimSpace(path), ".")
	path = strings.TrimPrefix(path, ".")
	path = strings.TrimSuffix(path, ".")
	if path == "" {
		return "", "", fmt.Errorf("%w: path is empty", ErrInvalidPath)
	}

	if locationOnly.MatchString(path) {
		return "", "", fmt.Errorf("%w: %q names a location, not a state", ErrInvalidPath, path)
	}

	location = DefaultLocation
	if m := locationPrefix.FindString(path); m != "" {
		location = strings.TrimSuffix(m, ".")
	}
	if strings.HasPrefix(path, location+".") {
		return path, location, nil
	}
	return location + "." + path, location, nil
}

// Common is the declared schema of a state.
type Common struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // string, number or boolean
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
	Role  string `json:"role"`
	Def   any    `json:"def,omitempty"`
}

// initialValue returns the value a new state starts with: the declared
// default, or the zero value of its type.
func (c Common) initialValue() (sql.NullString, error) {
	switch def := c.Def.(type) {
	case nil:
		switch c.Type {
		case "number":
			return sql.NullString{String: "0", Valid: true}, nil
		case "boolean":
			return sql.NullString{String: "false", Valid: true}, nil
		case "string":
			return sql.NullString{String: "", Valid: true}, nil
		}
		return sql.NullString{}, nil
	case string:
		return sql.NullString{String: def, Valid: true}, nil
	default:
		b, err := json.Marshal(def)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("encode default: %w", err)
		}
		return sql.NullString{String: string(b), Valid: true}, nil
	}
}

// States implements Ensure/Get/Set on top of the SQLite store.
type States struct {
	db  *store.Store
	bus *bus.Bus
	now func() time.Time

	// WarnExisting logs a warning when Ensure finds a state that already
	// exists and force is off. By default this is only a debug message.
	WarnExisting bool
	// Origin is recorded as the writer of every Set without its own From.
	Origin string
}

// New returns a States publishing changes on b. b may be nil.
func New(db *store.Store, b *bus.Bus) *States {
	return &States{db: db, bus: b, now: time.Now, Origin: "system.adapter.kotoba"}
}

// Ensure creates the state at path with the given schema unless it already
// exists. With force an existing state is overwritten with the schema's
// initial value. It returns the normalized path and whether a write took
// place.
func (s *States) Ensure(ctx context.Context, path string, common Common, force bool) (string, bool, error) {
	full, _, err := NormalizePath(path)
	if err != nil {
		return "", false, err
	}

	val, err := common.initialValue()
	if err != nil {
		return "", false, fmt.Errorf("states: ensure %q: %w", full, err)
	}
	schema, err := json.Marshal(common)
	if err != nil {
		return "", false, fmt.Errorf("states: ensure %q: encode schema: %w", full, err)
	}

	created, err := s.db.InsertState(ctx, store.State{
		ID:     full,
		Common: string(schema),
		Val:    val,
		Ack:    true,
		TS:     s.now().UnixMilli(),
		From:   s.Origin,
	}, force)
	if err != nil {
		return "", false, fmt.Errorf("states: ensure %q: %w", full, err)
	}

	if !created {
		if s.WarnExisting {
			slog.Warn("states: state already exists and will not be created", "state", full)
		} else {
			slog.Debug("states: state already exists", "state", full, "force", force)
		}
		return full, false, nil
	}
	slog.Info("states: state created", "state", full, "type", common.Type, "forced", force)
	return full, true, nil
}

// Get returns the current value of the state. A state without a value
// reads as "".
func (s *States) Get(ctx context.Context, id string) (string, error) {
	st, err := s.db.GetState(ctx, id)
	if errors.Is(err, store.ErrNoState) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("states: get: %w", err)
	}
	return st.Val.String, nil
}

// Set stores v under id and publishes the change. A zero TS is filled with
// the current time and an empty From with Origin.
func (s *States) Set(ctx context.Context, id string, v bus.Value) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidPath)
	}
	if v.TS == 0 {
		v.TS = s.now().UnixMilli()
	}
	if v.From == "" {
		v.From = s.Origin
	}
	if err := s.db.SetStateValue(ctx, id, v.Val, v.Ack, v.From, v.TS); err != nil {
		return fmt.Errorf("states: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(ctx, bus.Notification{ID: id, State: v})
	}
	return nil
}

// List returns the IDs of all states starting with prefix, sorted.
func (s *States) List(ctx context.Context, prefix string) ([]string, error) {
	ids, err := s.db.ListStateIDs(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("states: %w", err)
	}
	return ids, nil
}
