// Package historylog holds the bounded, newest-first list of table rows.
//
// Rows are ordered by the moment they were added, not by their own
// timestamps: a notification delivered late still lands on top.
//
// A Log is not safe for concurrent use. The controller owns the only
// instance and touches it from a single goroutine.
package historylog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bdobrica/Kotoba/internal/kotoba/row"
)

// Log is a capped sequence of rows, index 0 being the newest.
type Log struct {
	max  int
	rows []row.Row
}

// New returns an empty Log holding at most capacity rows. A capacity below
// 1 is treated as 1.
func New(capacity int) *Log {
	return &Log{max: max(capacity, 1)}
}

// Max returns the capacity.
func (l *Log) Max() int { return l.max }

// Len returns the number of rows.
func (l *Log) Len() int { return len(l.rows) }

// Prepend drops rows beyond max-1 and inserts r at the front.
func (l *Log) Prepend(r row.Row) {
	keep := min(len(l.rows), l.max-1)
	rows := make([]row.Row, 0, keep+1)
	rows = append(rows, r)
	rows = append(rows, l.rows[:keep]...)
	l.rows = rows
}

// RefreshDates rewrites the time column of every row from the row's own
// hidden timestamp. Order, length and all other fields are unchanged.
func (l *Log) RefreshDates(format func(ms int64) string) {
	for i := range l.rows {
		l.rows[i].SetString(row.TimeColumn, format(l.rows[i].Timestamp))
	}
}

// Rows returns deep copies of the rows, newest first.
func (l *Log) Rows() []row.Row {
	out := make([]row.Row, len(l.rows))
	for i, r := range l.rows {
		out[i] = r.Clone()
	}
	return out
}

// Serialize returns the compact JSON array of all rows.
func (l *Log) Serialize() (string, error) {
	rows := l.rows
	if rows == nil {
		rows = []row.Row{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("historylog: serialize: %w", err)
	}
	return string(b), nil
}

// Load replaces the rows with a previously serialized array. Payloads that
// carry no rows at all (empty, whitespace, "", [], [""], null) reset the log
// instead of failing. On error the log is left unchanged. A payload longer
// than max is cut to the newest max rows.
func (l *Log) Load(data string) error {
	if isLikeEmpty(data) {
		l.rows = nil
		return nil
	}
	var rows []row.Row
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return fmt.Errorf("historylog: load: %w", err)
	}
	if len(rows) > l.max {
		rows = rows[:l.max]
	}
	l.rows = rows
	return nil
}

// isLikeEmpty reports whether s has no content once whitespace, quotes and
// square brackets are removed, or is the literal null.
func isLikeEmpty(s string) bool {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '[', ']', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	return stripped == "" || stripped == "null"
}
