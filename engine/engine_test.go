package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	*Engine
	bus     *comms.InMemoryBus
	workers *agent.Registry
	clock   *fakeClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	bus := comms.NewInMemoryBus()
	reg := agent.NewRegistry()
	clock := newFakeClock()
	reg.SetClock(clock.Now)
	e := New(Deps{
		Tasks:   task.NewMemoryStore(),
		Workers: reg,
		Events:  bus,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	e.SetClock(clock.Now)
	return &harness{Engine: e, bus: bus, workers: reg, clock: clock}
}

func fastOptions() Options {
	o := DefaultOptions()
	o.PollInterval = 10 * time.Millisecond
	o.DefaultTimeout = 200 * time.Millisecond
	return o
}

func ptr[T any](v T) *T { return &v }

func (h *harness) create(t *testing.T, code string, priority float64, caps ...string) *task.Task {
	t.Helper()
	created, err := h.CreateTask(context.Background(), task.NewTask{
		Code:                 code,
		Name:                 code,
		Description:          "do " + code,
		PriorityScore:        ptr(priority),
		RequiredCapabilities: caps,
	})
	require.NoError(t, err)
	return created
}

func (h *harness) register(t *testing.T, id string, caps ...string) {
	t.Helper()
	_, err := h.workers.Register(agent.Registration{ID: id, Capabilities: caps})
	require.NoError(t, err)
}

func (h *harness) reload(t *testing.T, id int64) *task.Task {
	t.Helper()
	got, ok, err := h.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "task %d missing", id)
	return got
}

func eventTypes(t *testing.T, bus *comms.InMemoryBus, code string) []comms.EventType {
	t.Helper()
	evs, err := bus.History(code, 0)
	require.NoError(t, err)
	out := make([]comms.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func snapshot(worker string, caps ...string) DiscoverRequest {
	if caps == nil {
		caps = []string{}
	}
	return DiscoverRequest{Worker: worker, Capabilities: caps, Timeout: -1}
}

func taskCodes(ts []*task.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Code
	}
	return out
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{SafetyMargin: -1}.withDefaults()
	d := DefaultOptions()
	require.Equal(t, d.PollInterval, o.PollInterval)
	require.Equal(t, d.DefaultTimeout, o.DefaultTimeout)
	require.Equal(t, time.Duration(0), o.SafetyMargin)
	require.Equal(t, d.DefaultLimit, o.DefaultLimit)
	require.Equal(t, d.ClaimTimeout, o.ClaimTimeout)
	require.Equal(t, d.FailureThreshold, o.FailureThreshold)
	require.Equal(t, d.WriteRetries, o.WriteRetries)
}
