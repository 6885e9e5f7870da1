package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Kotoba/common/trace"
)

func TestGenerateID_Format(t *testing.T) {
	id := trace.GenerateID()
	if !strings.HasPrefix(id, "t_") {
		t.Fatalf("expected t_ prefix, got %q", id)
	}
	if len(id) != 2+32 {
		t.Fatalf("expected 34 chars, got %d (%q)", len(id), id)
	}
	if strings.Contains(id, "-") {
		t.Fatalf("id must not contain dashes: %q", id)
	}
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := trace.GenerateID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_abc")
	if got := trace.FromContext(ctx); got != "t_abc" {
		t.Errorf("got %q, want %q", got, "t_abc")
	}
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("expected empty trace id, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx := trace.Ensure(context.Background())
	id := trace.FromContext(ctx)
	if id == "" {
		t.Fatal("Ensure did not attach a trace id")
	}
	if again := trace.FromContext(trace.Ensure(ctx)); again != id {
		t.Errorf("Ensure replaced existing id: %q -> %q", id, again)
	}
}
