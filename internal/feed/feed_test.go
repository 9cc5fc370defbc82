package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
)

func rec(id, user string, version int64, status evidence.Status) evidence.Record {
	return evidence.Record{ID: id, UserID: user, Version: version, Status: status}
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversMatchingEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub, err := hub.Subscribe(context.Background(), Filter{UserID: "alice"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_ = hub.Publish(context.Background(), Event{Op: OpInsert, Record: rec("1", "bob", 1, evidence.StatusPending)})
	_ = hub.Publish(context.Background(), Event{Op: OpInsert, Record: rec("2", "alice", 1, evidence.StatusPending)})

	ev := next(t, sub)
	if ev.Record.ID != "2" || ev.Op != OpInsert {
		t.Fatalf("got %+v, want insert of record 2", ev)
	}
	if ev.At.IsZero() {
		t.Fatal("event timestamp not set")
	}
	expectNone(t, sub)
}

func TestHubPreservesPerRecordOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub, _ := hub.Subscribe(context.Background(), Filter{})
	defer sub.Close()

	for v := int64(1); v <= 50; v++ {
		_ = hub.Publish(context.Background(), Event{Op: OpUpdate, Record: rec("r", "u", v, evidence.StatusProcessing)})
	}
	for v := int64(1); v <= 50; v++ {
		if ev := next(t, sub); ev.Record.Version != v {
			t.Fatalf("version = %d, want %d", ev.Record.Version, v)
		}
	}
}

func TestSubscriptionSkipsStaleVersions(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub, _ := hub.Subscribe(context.Background(), Filter{EvidenceID: "r"})
	defer sub.Close()

	_ = hub.Publish(context.Background(), Event{Op: OpUpdate, Record: rec("r", "u", 3, evidence.StatusVerified)})
	_ = hub.Publish(context.Background(), Event{Op: OpUpdate, Record: rec("r", "u", 2, evidence.StatusProcessing)})
	_ = hub.Publish(context.Background(), Event{Op: OpUpdate, Record: rec("r", "u", 3, evidence.StatusVerified)})

	if ev := next(t, sub); ev.Record.Status != evidence.StatusVerified {
		t.Fatalf("status = %s, want verified", ev.Record.Status)
	}
	expectNone(t, sub)
}

func TestCloseStopsDeliveryAndUnregisters(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub, _ := hub.Subscribe(context.Background(), Filter{})
	if hub.Len() != 1 {
		t.Fatalf("Len = %d, want 1", hub.Len())
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = sub.Close()

	if hub.Len() != 0 {
		t.Fatalf("Len after close = %d, want 0", hub.Len())
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}
	if sub.Push(Event{Record: rec("x", "u", 1, evidence.StatusPending)}) {
		t.Fatal("push after close should be rejected")
	}
}

func TestContextCancelClosesSubscription(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := hub.Subscribe(ctx, Filter{})
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestSlowConsumerIsCutOff(t *testing.T) {
	sub := NewSubscription(Filter{}, 2, nil)
	defer sub.Close()

	// The pump holds one event while blocked on the unbuffered channel.
	for i := 0; i < 10; i++ {
		sub.Push(Event{Record: rec(fmt.Sprint(i), "u", 1, evidence.StatusPending)})
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not closed")
	}
	if sub.Err() != ErrSlowConsumer {
		t.Fatalf("Err = %v, want ErrSlowConsumer", sub.Err())
	}
}

func TestIndependentSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		s, _ := hub.Subscribe(context.Background(), Filter{})
		subs = append(subs, s)
	}
	_ = subs[1].Close()

	_ = hub.Publish(context.Background(), Event{Op: OpInsert, Record: rec("a", "u", 1, evidence.StatusPending)})

	if ev := next(t, subs[0]); ev.Record.ID != "a" {
		t.Fatalf("first subscriber got %+v", ev)
	}
	if ev := next(t, subs[2]); ev.Record.ID != "a" {
		t.Fatalf("third subscriber got %+v", ev)
	}
	for _, s := range subs {
		_ = s.Close()
	}
}

func TestClosedHubRejects(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(context.Background(), Filter{})
	hub.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription should close with hub")
	}
	if err := hub.Publish(context.Background(), Event{}); err != ErrClosed {
		t.Fatalf("Publish err = %v, want ErrClosed", err)
	}
	if _, err := hub.Subscribe(context.Background(), Filter{}); err != ErrClosed {
		t.Fatalf("Subscribe err = %v, want ErrClosed", err)
	}
}
