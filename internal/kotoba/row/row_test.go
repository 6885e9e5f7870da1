package row

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/bdobrica/Kotoba/common/spec/history"
	"github.com/bdobrica/Kotoba/internal/kotoba/datefmt"
)

var noon = time.Date(2020, time.February, 27, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(cols []string, capitalize bool) *Normalizer {
	return NewNormalizer(Options{
		Columns:    cols,
		Capitalize: capitalize,
		Language:   language.German,
		Template:   "#DD.MM.YY# um hh:mm:ss Uhr",
		Labels:     datefmt.DefaultLabels,
	}, datefmt.Formatter{Now: func() time.Time { return noon }, Location: time.UTC})
}

func mustParse(t *testing.T, data string) *history.Event {
	t.Helper()
	evt, err := history.Parse([]byte(data))
	if err != nil {
		t.Fatalf("history.Parse(%s): %v", data, err)
	}
	return evt
}

func TestNormalize_DefaultColumns(t *testing.T) {
	n := newTestNormalizer([]string{"time", "name", "summary"}, true)
	ms := noon.Add(-2 * time.Hour).UnixMilli()
	evt := &history.Event{Summary: "flurlicht einschalten", CreationTime: ms, Name: ptr("Alexa Flur")}

	r := n.Normalize(evt)
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"time":"Heute um 10:00:00 Uhr","name":"Alexa Flur","summary":"Flurlicht Einschalten","timestamp":` +
		jsonInt(ms) + `}`
	if string(b) != want {
		t.Errorf("got  %s\nwant %s", b, want)
	}
}

func TestNormalize_CapitalizeOff(t *testing.T) {
	n := newTestNormalizer([]string{"summary"}, false)
	r := n.Normalize(&history.Event{Summary: "flurlicht einschalten", CreationTime: 1})
	if got, _ := r.GetString("summary"); got != "flurlicht einschalten" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_CapitalizeKeepsInnerCase(t *testing.T) {
	n := newTestNormalizer([]string{"summary"}, true)
	r := n.Normalize(&history.Event{Summary: "schalte den tV aus", CreationTime: 1})
	if got, _ := r.GetString("summary"); got != "Schalte Den TV Aus" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_CapitalizeWordBoundaries(t *testing.T) {
	n := newTestNormalizer([]string{"summary"}, true)
	tests := []struct {
		in, want string
	}{
		{"flurlicht einschalten", "Flurlicht Einschalten"},
		{"tv.an", "Tv.An"},
		{"it's time", "It'S Time"},
		{"3d drucker an", "3d Drucker An"},
		{"licht-an", "Licht-An"},
		{"über den flur", "Über Den Flur"},
		{"snake_case wort", "Snake_case Wort"},
		{"  zwei  leerzeichen", "  Zwei  Leerzeichen"},
		{"", ""},
	}
	for _, tt := range tests {
		r := n.Normalize(&history.Event{Summary: tt.in, CreationTime: 1})
		if got, _ := r.GetString("summary"); got != tt.want {
			t.Errorf("capitalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_KeySetIsStable(t *testing.T) {
	cols := []string{"time", "name", "serialNumber", "summary", "status", "domainApplicationId", "cardContent", "card"}
	n := newTestNormalizer(cols, true)
	want := append(append([]string(nil), cols...), TimestampField)

	events := []string{
		`{"summary":"a","creationTime":1}`,
		`{"summary":"b","creationTime":2,"name":"Echo","status":"SUCCESS"}`,
		`{"summary":"c","creationTime":3,"card":{"x":1},"cardContent":"hello","serialNumber":"S"}`,
	}
	for _, data := range events {
		r := n.Normalize(mustParse(t, data))
		if got := r.Names(); !reflect.DeepEqual(got, want) {
			t.Errorf("%s: names %v, want %v", data, got, want)
		}

		var obj map[string]any
		b, _ := json.Marshal(r)
		if err := json.Unmarshal(b, &obj); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if len(obj) != len(want) {
			t.Errorf("%s: serialized %d keys, want %d", data, len(obj), len(want))
		}
	}
}

func TestNormalize_ReservedColumnsSkipped(t *testing.T) {
	n := newTestNormalizer([]string{"creationTime", "summary", "timestamp", "unknown"}, false)
	r := n.Normalize(&history.Event{Summary: "x", CreationTime: 99})

	if got := r.Names(); !reflect.DeepEqual(got, []string{"summary", "unknown", "timestamp"}) {
		t.Errorf("names: %v", got)
	}
	if v, ok := r.Get("unknown"); !ok || v != nil {
		t.Errorf("unknown column should be present and missing, got %q ok=%v", v, ok)
	}
	b, _ := json.Marshal(r)
	if string(b) != `{"summary":"x","unknown":null,"timestamp":99}` {
		t.Errorf("got %s", b)
	}
}

func TestRow_JSONRoundTrip(t *testing.T) {
	in := `{"time":"Heute","name":null,"card":{"b":1,"a":[1,2]},"summary":"Licht An","timestamp":1582843794820}`
	var r Row
	if err := json.Unmarshal([]byte(in), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.Timestamp != 1582843794820 {
		t.Errorf("timestamp: %d", r.Timestamp)
	}
	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip changed the row:\n in  %s\n out %s", in, out)
	}
}

func TestRow_UnmarshalRequiresTimestamp(t *testing.T) {
	for _, in := range []string{
		`{"time":"x"}`,
		`{"time":"x","timestamp":"123"}`,
		`{"timestamp":1.5}`,
	} {
		var r Row
		if err := json.Unmarshal([]byte(in), &r); err == nil {
			t.Errorf("%s: expected error", in)
		}
	}
	var r Row
	if err := json.Unmarshal([]byte(`["not","an","object"]`), &r); err == nil {
		t.Error("expected error for array input")
	}
}

func TestRow_SetStringAndClone(t *testing.T) {
	n := newTestNormalizer([]string{"time", "summary"}, false)
	r := n.Normalize(&history.Event{Summary: "x", CreationTime: 5})

	c := r.Clone()
	if !c.SetString("time", "changed") {
		t.Fatal("SetString on existing column returned false")
	}
	if c.SetString("nope", "v") {
		t.Error("SetString must not add columns")
	}
	if got, _ := r.GetString("time"); strings.Contains(got, "changed") {
		t.Error("Clone shares memory with the original")
	}
}

func ptr(s string) *string { return &s }

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
