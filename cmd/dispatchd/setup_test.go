package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/config"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/task"
)

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatchd.log")
	logger, closer, err := newLogger(config.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %q", data)
	}

	if _, _, err := newLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOpenStores_SQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "data", "dispatch.db")
	st, err := openStores(ctx, config.StorageConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer st.close() //nolint:errcheck

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Deps{
		Tasks:    st.tasks,
		Sessions: st.sessions,
		Handoffs: st.handoffs,
		Logger:   logger,
	}, engine.DefaultOptions())
	created, err := eng.CreateTask(ctx, task.NewTask{Code: "T-1", Name: "persisted"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := eng.Claim(ctx, created.ID, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	sessions, err := eng.ListSessions(ctx, created.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions = %v, %v", sessions, err)
	}
}

func TestEventSinks_FileLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	bus := comms.NewInMemoryBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink, closeSinks, err := eventSinks(ctx, config.EventsConfig{LogFile: path}, bus, logger)
	if err != nil {
		t.Fatalf("eventSinks: %v", err)
	}
	defer closeSinks() //nolint:errcheck

	if err := sink.Append(ctx, &comms.Event{Type: comms.TypeTaskCreated, TaskCode: "T-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if hist, _ := bus.History("T-1", 0); len(hist) != 1 {
		t.Errorf("bus history = %d events", len(hist))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if !strings.Contains(string(data), `"task_code":"T-1"`) {
		t.Errorf("event file = %q", data)
	}

	only, _, err := eventSinks(ctx, config.EventsConfig{}, bus, logger)
	if err != nil {
		t.Fatalf("eventSinks: %v", err)
	}
	if only != comms.Log(bus) {
		t.Error("without extra sinks the bus is used directly")
	}
}

func TestBuildTeam(t *testing.T) {
	eng := engine.New(engine.Deps{Tasks: task.NewMemoryStore()}, engine.DefaultOptions())
	team, closeTeam, err := buildTeam(context.Background(), eng, []config.WorkerConfig{
		{ID: "b", Command: []string{"true"}},
		{ID: "a", Command: []string{"true"}},
	}, nil)
	if err != nil {
		t.Fatalf("buildTeam: %v", err)
	}
	defer closeTeam()
	members := team.Members()
	if len(members) != 2 || members[0].ID != "a" {
		t.Errorf("members = %+v", members)
	}
}

func TestBuildTeam_ContainerNeedsDocker(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:1")
	eng := engine.New(engine.Deps{Tasks: task.NewMemoryStore()}, engine.DefaultOptions())
	_, _, err := buildTeam(context.Background(), eng, []config.WorkerConfig{
		{ID: "c", Image: "alpine:3", Command: []string{"true"}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "worker c") {
		t.Errorf("err = %v, want docker unavailable for worker c", err)
	}
}
