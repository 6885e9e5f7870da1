// Package datefmt renders timestamps for the history table.
//
// A template is literal text with the tokens YYYY, YY, MM, DD, hh, mm and ss.
// One span may be wrapped in '#' markers: when the date falls on today or
// yesterday the whole span, markers included, is replaced by the matching
// label; otherwise only the markers are dropped.
//
//	'#DD.MM.YY# um hh:mm:ss Uhr'  ->  'Heute um 08:25:13 Uhr'
//	                              ->  '24.02.20 um 08:25:13 Uhr'
package datefmt

import (
	"strconv"
	"strings"
	"time"
)

// Marker delimits the relative-day span.
const Marker = '#'

// Labels are the replacements for the relative-day span.
type Labels struct {
	Today     string
	Yesterday string
}

// DefaultLabels matches the German dashboard the table was built for.
var DefaultLabels = Labels{Today: "Heute", Yesterday: "Gestern"}

// Formatter formats timestamps against a clock and a location. The zero
// value uses time.Now and time.Local.
type Formatter struct {
	// Now returns the current time. Only its calendar day matters.
	Now func() time.Time
	// Location is used for both the relative-day check and the numeric
	// fields.
	Location *time.Location
}

func (f Formatter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f Formatter) loc() *time.Location {
	if f.Location != nil {
		return f.Location
	}
	return time.Local
}

// FormatMillis formats a millisecond epoch timestamp.
func (f Formatter) FormatMillis(ms int64, template string, labels Labels) string {
	return f.Format(time.UnixMilli(ms), template, labels)
}

// Format renders t according to template.
func (f Formatter) Format(t time.Time, template string, labels Labels) string {
	loc := f.loc()
	t = t.In(loc)

	before, span, after, ok := splitSpan(template)
	if !ok {
		return expand(template, t)
	}

	var label string
	switch dayOffset(t, f.now().In(loc)) {
	case 0:
		label = labels.Today
	case 1:
		label = labels.Yesterday
	default:
		return expand(before+span+after, t)
	}
	// The label is inserted verbatim; only the surrounding text is expanded.
	return expand(before, t) + label + expand(after, t)
}

// HasRelativeDay reports whether template contains a relative-day span.
func HasRelativeDay(template string) bool {
	_, _, _, ok := splitSpan(template)
	return ok
}

// splitSpan locates the text between the first and the last marker. Any
// markers in between belong to the span.
func splitSpan(template string) (before, span, after string, ok bool) {
	first := strings.IndexRune(template, Marker)
	last := strings.LastIndexByte(template, Marker)
	if first < 0 || first == last {
		return "", "", "", false
	}
	before = template[:first]
	span = strings.ReplaceAll(template[first+1:last], string(Marker), "")
	after = template[last+1:]
	return before, span, after, true
}

// dayOffset returns how many calendar days now lies after t. Both must be in
// the same location.
func dayOffset(t, now time.Time) int {
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return 0
	}
	yy, ym, yd := now.AddDate(0, 0, -1).Date()
	if ty == yy && tm == ym && td == yd {
		return 1
	}
	return -1
}

type token struct {
	text  string
	value func(time.Time) int
	width int
}

// Longest tokens first so that YYYY wins over YY.
var tokens = []token{
	{"YYYY", func(t time.Time) int { return t.Year() }, 4},
	{"YY", func(t time.Time) int { return t.Year() % 100 }, 2},
	{"MM", func(t time.Time) int { return int(t.Month()) }, 2},
	{"DD", func(t time.Time) int { return t.Day() }, 2},
	{"hh", func(t time.Time) int { return t.Hour() }, 2},
	{"mm", func(t time.Time) int { return t.Minute() }, 2},
	{"ss", func(t time.Time) int { return t.Second() }, 2},
}

// expand replaces every token in s in a single left-to-right pass.
func expand(s string, t time.Time) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
next:
	for i := 0; i < len(s); {
		for _, tok := range tokens {
			if strings.HasPrefix(s[i:], tok.text) {
				b.WriteString(pad(tok.value(t), tok.width))
				i += len(tok.text)
				continue next
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// pad left-pads n with zeros to width digits. Wider numbers are kept whole.
func pad(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
