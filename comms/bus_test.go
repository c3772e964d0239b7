package comms

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func makeEvent(code string, typ EventType) *Event {
	return &Event{
		Type:     typ,
		TaskCode: code,
		Worker:   "agent-a",
		Message:  "test",
	}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe("T-1", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	ev := makeEvent("T-1", TypeClaimed)
	if err := bus.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("Append should fill ID and Timestamp")
	}

	// Unsubscribe and verify no more events
	unsub()
	if err := bus.Append(ctx, makeEvent("T-1", TypeReleased)); err != nil {
		t.Fatalf("Append after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_RoutesByTaskCode(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var one, two, all int32
	bus.Subscribe("T-1", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&one, 1)
		return nil
	})
	bus.Subscribe("T-2", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&two, 1)
		return nil
	})
	bus.Subscribe(AllTasks, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	bus.Append(ctx, makeEvent("T-1", TypeClaimed))
	bus.Append(ctx, makeEvent("T-1", TypeProgress))
	bus.Append(ctx, makeEvent("", TypeWorkerExpired))

	if atomic.LoadInt32(&one) != 2 {
		t.Errorf("T-1 received %d, want 2", one)
	}
	if atomic.LoadInt32(&two) != 0 {
		t.Errorf("T-2 received %d, want 0", two)
	}
	if atomic.LoadInt32(&all) != 3 {
		t.Errorf("wildcard received %d, want 3", all)
	}
}

func TestInMemoryBus_HandlerErrorReported(t *testing.T) {
	bus := NewInMemoryBus()
	var calls int32
	bus.Subscribe(AllTasks, func(_ context.Context, _ *Event) error { return errors.New("boom") })
	bus.Subscribe(AllTasks, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := bus.Append(context.Background(), makeEvent("T-1", TypeClaimed)); err == nil {
		t.Fatal("expected handler error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Error("a failing handler must not stop the others")
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	for _, ev := range []*Event{
		makeEvent("T-1", TypeTaskCreated),
		makeEvent("T-2", TypeTaskCreated),
		makeEvent("T-1", TypeClaimed),
		makeEvent("T-1", TypeReleased),
	} {
		bus.Append(ctx, ev)
	}

	hist, err := bus.History("T-1", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History len = %d, want 3", len(hist))
	}
	if hist[0].Type != TypeTaskCreated || hist[2].Type != TypeReleased {
		t.Errorf("History not chronological: %s .. %s", hist[0].Type, hist[2].Type)
	}

	last, _ := bus.History(AllTasks, 2)
	if len(last) != 2 || last[1].Type != TypeReleased {
		t.Errorf("History(all, 2) = %d events", len(last))
	}
}

func TestInMemoryBus_HistoryCap(t *testing.T) {
	bus := NewInMemoryBus()
	bus.maxHist = 5
	for i := 0; i < 10; i++ {
		bus.Append(context.Background(), makeEvent("T-1", TypeProgress))
	}
	hist, _ := bus.History(AllTasks, 0)
	if len(hist) != 5 {
		t.Errorf("History len = %d, want capped 5", len(hist))
	}
}

func TestFileLog_AppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.log")
	log, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}

	if got, err := log.Tail(5); err != nil || got != nil {
		t.Fatalf("Tail on missing file = %v, %v", got, err)
	}

	ctx := context.Background()
	for i, typ := range []EventType{TypeTaskCreated, TypeClaimed, TypeProgress, TypeReleased} {
		ev := makeEvent("T-1", typ)
		ev.Timestamp = time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		if err := log.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tail, err := log.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Type != TypeProgress || tail[1].Type != TypeReleased {
		t.Fatalf("Tail(2) = %+v", tail)
	}
	if tail[1].TaskCode != "T-1" {
		t.Errorf("TaskCode = %q", tail[1].TaskCode)
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, *Event) error { return errors.New("sink down") }

func TestMultiLog_FanOut(t *testing.T) {
	bus := NewInMemoryBus()
	m := NewMultiLog(nil, failingLog{}, bus)

	err := m.Append(context.Background(), makeEvent("T-9", TypeQuarantined))
	if err == nil {
		t.Fatal("expected joined sink error")
	}
	hist, _ := bus.History("T-9", 0)
	if len(hist) != 1 {
		t.Errorf("bus received %d events, want 1 despite failing sink", len(hist))
	}
	if Discard.Append(context.Background(), makeEvent("x", TypeProgress)) != nil {
		t.Error("Discard should never fail")
	}
}
