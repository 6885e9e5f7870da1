package filter

import (
	"testing"

	"github.com/bdobrica/Kotoba/common/spec/history"
)

func TestAdmit_NoiseScenario(t *testing.T) {
	f := New(DefaultConfig)

	var admitted []string
	for _, s := range []string{"alexa", "", "sprich mir nach hallo welt", "Licht an"} {
		if f.Admit(&history.Event{Summary: s, CreationTime: 1}) {
			admitted = append(admitted, s)
		}
	}
	if len(admitted) != 1 || admitted[0] != "Licht an" {
		t.Fatalf("admitted %q, want only %q", admitted, "Licht an")
	}

	stats := f.Stats()
	if stats["admitted"] != uint64(1) || stats["rejected"] != uint64(3) {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestAdmit_Cases(t *testing.T) {
	tests := []struct {
		name    string
		summary string
		want    bool
	}{
		{"empty", "", false},
		{"wake word", "echo", false},
		{"wake word computer", "computer", false},
		{"case sensitive", "Alexa", true},
		{"wake word inside command", "alexa licht an", true},
		{"noise phrase anywhere", "bitte sprich mir nach test", false},
		{"noise phrase needs trailing space", "sprich mir nach", true},
		{"regular command", "wohnzimmer licht aus", true},
	}
	f := New(DefaultConfig)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Admit(&history.Event{Summary: tt.summary}); got != tt.want {
				t.Errorf("Admit(%q) = %v, want %v", tt.summary, got, tt.want)
			}
		})
	}
}

func TestAdmit_Repeatable(t *testing.T) {
	f := New(DefaultConfig)
	evt := &history.Event{Summary: "sprich mir nach eins", CreationTime: 7}
	first := f.Admit(evt)
	for i := 0; i < 10; i++ {
		if got := f.Admit(evt); got != first {
			t.Fatalf("call %d returned %v, first call returned %v", i, got, first)
		}
	}
}

func TestAdmit_EmptyNoisePhraseDisabled(t *testing.T) {
	f := New(Config{Ignore: nil, NoisePhrase: ""})
	if !f.Admit(&history.Event{Summary: "anything"}) {
		t.Error("expected admit with no noise phrase")
	}
	if f.Admit(&history.Event{Summary: ""}) {
		t.Error("empty summary is always rejected")
	}
}
