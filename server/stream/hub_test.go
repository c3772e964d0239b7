package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/dispatch/comms"
)

// readFrame reads one SSE frame (lines up to a blank line).
func readFrame(t *testing.T, sc *bufio.Scanner) []string {
	t.Helper()
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return nil
}

func TestHub_FiltersByTaskCode(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?task=T-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if first := readFrame(t, sc); len(first) == 0 || first[0] != "event: connected" {
		t.Fatalf("first frame = %v", first)
	}
	if hub.Clients() != 1 {
		t.Fatalf("Clients = %d, want 1", hub.Clients())
	}

	bus := comms.NewInMemoryBus()
	bus.Subscribe(comms.AllTasks, hub.Handle)
	_ = bus.Append(ctx, &comms.Event{Type: comms.TypeClaimed, TaskCode: "T-2"})
	_ = bus.Append(ctx, &comms.Event{Type: comms.TypeReleased, TaskCode: "T-1", Worker: "w"})

	frame := readFrame(t, sc)
	if len(frame) != 3 {
		t.Fatalf("frame = %v", frame)
	}
	if frame[1] != "event: task.released" {
		t.Errorf("event line = %q", frame[1])
	}
	if !strings.Contains(frame[2], `"task_code":"T-1"`) {
		t.Errorf("data line = %q", frame[2])
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	hub.Broadcast(&comms.Event{Type: comms.TypeClaimed})
	if hub.Clients() != 0 {
		t.Errorf("Clients = %d", hub.Clients())
	}
}
