package comms

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Set DISPATCH_TEST_REDIS=host:port to run against a live server.
func TestRedisStreamLog(t *testing.T) {
	addr := os.Getenv("DISPATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := "dispatch:test:" + uuid.New().String()
	log, err := NewRedisStreamLog(ctx, addr, "", 0, stream, 100)
	if err != nil {
		t.Fatalf("NewRedisStreamLog: %v", err)
	}
	t.Cleanup(func() {
		log.client.Del(context.Background(), stream)
		log.Close()
	})

	for _, typ := range []EventType{TypeTaskCreated, TypeClaimed, TypeReleased} {
		if err := log.Append(ctx, makeEvent("T-1", typ)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	recent, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Type != TypeClaimed || recent[1].Type != TypeReleased {
		t.Fatalf("Recent = %+v", recent)
	}
}
