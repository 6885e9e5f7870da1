package history_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/Kotoba/common/spec/history"
)

func TestParse_Valid(t *testing.T) {
	data := []byte(`{"name":"Alexa Flur","serialNumber":"G090XX","summary":"wohnlicht an","creationTime":1582843794820,"extra":true}`)
	evt, err := history.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if evt.Summary != "wohnlicht an" {
		t.Errorf("Summary: got %q", evt.Summary)
	}
	if evt.CreationTime != 1582843794820 {
		t.Errorf("CreationTime: got %d", evt.CreationTime)
	}
	if evt.Name == nil || *evt.Name != "Alexa Flur" {
		t.Errorf("Name: got %v", evt.Name)
	}
	if evt.Status != nil {
		t.Errorf("Status should be absent, got %q", *evt.Status)
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{"summary":`},
		{"not an object", `"just a string"`},
		{"missing summary", `{"creationTime":1}`},
		{"missing creationTime", `{"summary":"licht an"}`},
		{"summary wrong type", `{"summary":5,"creationTime":1}`},
		{"creationTime fractional", `{"summary":"x","creationTime":1.5}`},
		{"name wrong type", `{"summary":"x","creationTime":1,"name":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := history.Parse([]byte(tc.data))
			if !errors.Is(err, history.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParse_NullOptionalField(t *testing.T) {
	evt, err := history.Parse([]byte(`{"summary":"x","creationTime":1,"name":null}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := evt.Field("name"); ok {
		t.Error("null name should be reported as missing")
	}
}

func TestField(t *testing.T) {
	evt, err := history.Parse([]byte(`{"summary":"licht an","creationTime":42,"name":"Küche","card":{"title":"t"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		field  string
		want   string
		wantOK bool
	}{
		{"summary", `"licht an"`, true},
		{"creationTime", `42`, true},
		{"name", `"Küche"`, true},
		{"card", `{"title":"t"}`, true},
		{"status", ``, false},
		{"doesNotExist", ``, false},
	}
	for _, tt := range tests {
		got, ok := evt.Field(tt.field)
		if ok != tt.wantOK {
			t.Errorf("Field(%q) ok = %v, want %v", tt.field, ok, tt.wantOK)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Field(%q) = %s, want %s", tt.field, got, tt.want)
		}
	}
}
