package bus

import (
	"context"
	"reflect"
	"testing"
)

func TestPublish_ExactMatchOnly(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("alexa2.0.History.json", func(_ context.Context, n Notification) {
		got = append(got, n.State.Val)
	})

	b.Publish(context.Background(), Notification{ID: "alexa2.0.History.json", State: Value{Val: "a"}})
	b.Publish(context.Background(), Notification{ID: "alexa2.0.History", State: Value{Val: "b"}})
	b.Publish(context.Background(), Notification{ID: "alexa2.0.History.json.x", State: Value{Val: "c"}})

	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("got %v, want [a]", got)
	}
}

func TestPublish_OrderPreserved(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("s", func(_ context.Context, n Notification) { got = append(got, n.State.Val) })

	for _, v := range []string{"1", "2", "3", "4"} {
		b.Publish(context.Background(), Notification{ID: "s", State: Value{Val: v}})
	}
	if !reflect.DeepEqual(got, []string{"1", "2", "3", "4"}) {
		t.Errorf("got %v", got)
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	b := New()
	calls := 0
	cancel := b.Subscribe("s", func(context.Context, Notification) { calls++ })
	other := b.Subscribe("s", func(context.Context, Notification) {})

	if n := b.Subscribers("s"); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}
	cancel()
	cancel()
	if n := b.Subscribers("s"); n != 1 {
		t.Fatalf("expected 1 subscriber after cancel, got %d", n)
	}
	if n := b.Publish(context.Background(), Notification{ID: "s"}); n != 1 {
		t.Errorf("Publish reached %d handlers, want 1", n)
	}
	if calls != 0 {
		t.Errorf("cancelled handler was called %d times", calls)
	}
	other()
}

func TestPublish_NoSubscribers(t *testing.T) {
	if n := New().Publish(context.Background(), Notification{ID: "nobody"}); n != 0 {
		t.Errorf("got %d, want 0", n)
	}
}
