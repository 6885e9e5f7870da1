package datefmt

import (
	"fmt"
	"testing"
	"time"
)

var berlin = time.FixedZone("CET", 3600)

// noon keeps "now minus 24h" safely on the previous calendar day.
var noon = time.Date(2020, time.February, 27, 12, 0, 0, 0, berlin)

func fixedFormatter(now time.Time) Formatter {
	return Formatter{Now: func() time.Time { return now }, Location: berlin}
}

var labels = Labels{Today: "Heute", Yesterday: "Gestern"}

func TestFormat_Tokens(t *testing.T) {
	f := fixedFormatter(noon)
	ts := time.Date(2019, time.March, 4, 5, 6, 7, 0, berlin)

	tests := []struct {
		template string
		want     string
	}{
		{"YYYY-MM-DD hh:mm:ss", "2019-03-04 05:06:07"},
		{"DD.MM.YY", "04.03.19"},
		{"DD.MM.YY um hh:mm:ss Uhr", "04.03.19 um 05:06:07 Uhr"},
		{"no tokens at all", "no tokens at all"},
		{"YYYYY", "2019Y"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := f.Format(ts, tt.template, labels); got != tt.want {
			t.Errorf("Format(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestFormat_RelativeDay(t *testing.T) {
	f := fixedFormatter(noon)
	const tmpl = "#DD.MM.YY#"

	if got := f.Format(noon, tmpl, labels); got != "Heute" {
		t.Errorf("today: got %q, want %q", got, "Heute")
	}
	if got := f.Format(noon.Add(-24*time.Hour), tmpl, labels); got != "Gestern" {
		t.Errorf("yesterday: got %q, want %q", got, "Gestern")
	}
	if got := f.Format(noon.Add(-72*time.Hour), tmpl, labels); got != "24.02.20" {
		t.Errorf("older: got %q, want %q", got, "24.02.20")
	}
}

func TestFormat_RelativeDayCalendarBoundaries(t *testing.T) {
	now := time.Date(2020, time.March, 1, 0, 0, 30, 0, berlin)
	f := fixedFormatter(now)
	const tmpl = "#DD.MM.# hh:mm"

	// One minute before midnight is already "yesterday", even though less
	// than an hour has passed.
	justBefore := time.Date(2020, time.February, 29, 23, 59, 0, 0, berlin)
	if got := f.Format(justBefore, tmpl, labels); got != "Gestern 23:59" {
		t.Errorf("got %q, want %q", got, "Gestern 23:59")
	}
	twoDays := time.Date(2020, time.February, 28, 23, 59, 0, 0, berlin)
	if got := f.Format(twoDays, tmpl, labels); got != "28.02. 23:59" {
		t.Errorf("got %q, want %q", got, "28.02. 23:59")
	}
}

func TestFormat_LabelIsNotExpanded(t *testing.T) {
	f := fixedFormatter(noon)
	got := f.Format(noon, "#DD.MM.# hh:mm", Labels{Today: "mm-ss", Yesterday: "x"})
	if got != "mm-ss 12:00" {
		t.Errorf("got %q, want label kept verbatim", got)
	}
}

func TestFormat_TextAroundSpan(t *testing.T) {
	f := fixedFormatter(noon)
	got := f.Format(noon.Add(-time.Hour), "am #DD.MM.YY# um hh:mm:ss Uhr", labels)
	if got != "am Heute um 11:00:00 Uhr" {
		t.Errorf("got %q", got)
	}
}

func TestFormat_SingleMarkerIsLiteral(t *testing.T) {
	f := fixedFormatter(noon)
	if got := f.Format(noon, "#1 hh", labels); got != "#1 12" {
		t.Errorf("got %q", got)
	}
	if HasRelativeDay("#1 hh") {
		t.Error("a single marker is not a span")
	}
}

func TestFormat_InnerMarkersBelongToSpan(t *testing.T) {
	f := fixedFormatter(noon)
	got := f.Format(noon.Add(-72*time.Hour), "#DD#MM#", labels)
	if got != "2402" {
		t.Errorf("got %q, want %q", got, "2402")
	}
}

func TestFormatMillis(t *testing.T) {
	f := Formatter{Now: func() time.Time { return noon }, Location: time.UTC}
	// 2020-02-27T22:49:54.820Z
	got := f.FormatMillis(1582843794820, "YYYY-MM-DD hh:mm:ss", labels)
	if got != "2020-02-27 22:49:54" {
		t.Errorf("got %q", got)
	}
}

func TestHasRelativeDay(t *testing.T) {
	if !HasRelativeDay("#DD.MM.YY# um hh:mm:ss Uhr") {
		t.Error("expected span to be detected")
	}
	if HasRelativeDay("DD.MM.YY hh:mm") {
		t.Error("expected no span")
	}
}

// Formatting without a span and reading the fields back at the same
// positions recovers the original calendar fields.
func TestFormat_RoundTrip(t *testing.T) {
	f := fixedFormatter(noon)
	start := time.Date(1999, time.December, 31, 23, 59, 58, 0, berlin)
	for i := 0; i < 200; i++ {
		ts := start.Add(time.Duration(i) * 7919 * time.Minute)
		out := f.Format(ts, "YYYY-MM-DD hh:mm:ss", labels)

		var y, mo, d, h, mi, s int
		if _, err := fmt.Sscanf(out, "%4d-%2d-%2d %2d:%2d:%2d", &y, &mo, &d, &h, &mi, &s); err != nil {
			t.Fatalf("Sscanf(%q): %v", out, err)
		}
		back := time.Date(y, time.Month(mo), d, h, mi, s, 0, berlin)
		if !back.Equal(ts) {
			t.Fatalf("round trip: %v -> %q -> %v", ts, out, back)
		}
	}
}

func TestPad(t *testing.T) {
	tests := []struct {
		n, width int
		want     string
	}{
		{5, 2, "05"},
		{12, 2, "12"},
		{7, 4, "0007"},
		{2024, 2, "2024"},
	}
	for _, tt := range tests {
		if got := pad(tt.n, tt.width); got != tt.want {
			t.Errorf("pad(%d, %d) = %q, want %q", tt.n, tt.width, got, tt.want)
		}
	}
}
