package feed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
)

func TestRedisBrokerRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis broker test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	broker := NewRedisBroker(client, "evidence:test:"+time.Now().Format("150405.000"), nil)
	if err := broker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer broker.Close()

	sub, err := broker.Subscribe(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := evidence.Record{ID: "ev-1", UserID: "u1", Version: 2, Status: evidence.StatusProcessing, Progress: 25}
	if err := broker.Publish(ctx, Event{Op: OpUpdate, Record: want}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := next(t, sub)
	if ev.Record.ID != want.ID || ev.Record.Status != want.Status || ev.Record.Progress != 25 {
		t.Fatalf("got %+v, want %+v", ev.Record, want)
	}
}
