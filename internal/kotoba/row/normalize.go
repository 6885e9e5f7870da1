package row

import (
	"encoding/json"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bdobrica/Kotoba/common/spec/history"
	"github.com/bdobrica/Kotoba/internal/kotoba/datefmt"
)

// TimeColumn is the column holding the formatted creation time.
const TimeColumn = "time"

// Options configures a Normalizer. Columns are fixed for the process
// lifetime, so every row produced has the same shape.
type Options struct {
	// Columns lists the display columns in order, e.g. time, name, summary.
	Columns []string
	// Capitalize upper-cases the first letter of every word of the summary.
	Capitalize bool
	// Language selects the casing rules used by Capitalize.
	Language language.Tag
	// Template is the datefmt template for the time column.
	Template string
	// Labels are the relative-day replacements.
	Labels datefmt.Labels
}

// Normalizer converts history events into rows.
type Normalizer struct {
	opts Options
	fmt  datefmt.Formatter
}

// NewNormalizer returns a Normalizer formatting dates with f.
func NewNormalizer(opts Options, f datefmt.Formatter) *Normalizer {
	return &Normalizer{opts: opts, fmt: f}
}

// Normalize builds the row for evt. Columns the event does not carry are
// kept with a missing value; the reserved creationTime and timestamp columns
// are skipped because the hidden timestamp always comes last.
func (n *Normalizer) Normalize(evt *history.Event) Row {
	fields := make([]Field, 0, len(n.opts.Columns))
	for _, col := range n.opts.Columns {
		switch col {
		case history.FieldCreationTime, TimestampField:
			continue
		case TimeColumn:
			fields = append(fields, stringField(col, n.FormatTime(evt.CreationTime)))
		case history.FieldSummary:
			summary := evt.Summary
			if n.opts.Capitalize {
				summary = n.capitalize(summary)
			}
			fields = append(fields, stringField(col, summary))
		default:
			v, _ := evt.Field(col)
			fields = append(fields, Field{Name: col, Value: v})
		}
	}
	return Row{Fields: fields, Timestamp: evt.CreationTime}
}

// FormatTime renders a millisecond timestamp for the time column.
func (n *Normalizer) FormatTime(ms int64) string {
	return n.fmt.FormatMillis(ms, n.opts.Template, n.opts.Labels)
}

// capitalize upper-cases every word character that starts s or follows a
// non-word character. Remaining letters keep their case. A Caser carries
// state, so one is made per call.
func (n *Normalizer) capitalize(s string) string {
	upper := cases.Upper(n.opts.Language)
	var b strings.Builder
	b.Grow(len(s))
	prevWord := false
	for _, r := range s {
		word := isWordRune(r)
		if word && !prevWord {
			b.WriteString(upper.String(string(r)))
			upper.Reset()
		} else {
			b.WriteRune(r)
		}
		prevWord = word
	}
	return b.String()
}

// isWordRune reports whether r belongs to a word: letters, digits,
// underscore and combining marks.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func stringField(name, value string) Field {
	b, _ := json.Marshal(value)
	return Field{Name: name, Value: b}
}
