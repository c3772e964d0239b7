package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/GoCodeAlone/dispatch/task"
)

func TestDiscover_Ordering(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	low := h.create(t, "low", 3)
	failed := h.create(t, "failed", 9)
	clean := h.create(t, "clean", 9)
	// A failure reported by a non-owner bumps the count without a release.
	_, err := h.ReportFailure(ctx, failed.ID, "observer", "flaky")
	require.NoError(t, err)

	res, err := h.Discover(ctx, snapshot("worker-a"))
	require.NoError(t, err)
	require.Equal(t, StatusTasks, res.Status)
	assert.Equal(t, []string{clean.Code, failed.Code, low.Code}, taskCodes(res.Tasks))
}

func TestDiscover_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, fastOptions())
		ctx := context.Background()
		n := rapid.IntRange(1, 6).Draw(rt, "n")
		for i := 0; i < n; i++ {
			p := rapid.IntRange(0, 10).Draw(rt, fmt.Sprintf("priority%d", i))
			f := rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("failures%d", i))
			created, err := h.CreateTask(ctx, task.NewTask{
				Code:          fmt.Sprintf("T-%d", i),
				Name:          "task",
				Description:   "task",
				PriorityScore: ptr(float64(p)),
			})
			if err != nil {
				rt.Fatalf("create: %v", err)
			}
			for j := 0; j < f; j++ {
				if _, err := h.ReportFailure(ctx, created.ID, "observer", "x"); err != nil {
					rt.Fatalf("report failure: %v", err)
				}
			}
		}

		res, err := h.Discover(ctx, snapshot("worker-a"))
		if err != nil {
			rt.Fatalf("discover: %v", err)
		}
		if len(res.Tasks) != n {
			rt.Fatalf("got %d tasks, want %d", len(res.Tasks), n)
		}
		ordered := sort.SliceIsSorted(res.Tasks, func(i, j int) bool {
			a, b := res.Tasks[i], res.Tasks[j]
			if a.PriorityScore != b.PriorityScore {
				return a.PriorityScore > b.PriorityScore
			}
			if a.FailureCount != b.FailureCount {
				return a.FailureCount < b.FailureCount
			}
			return a.ID < b.ID
		})
		if !ordered {
			rt.Fatalf("tasks out of order: %v", taskCodes(res.Tasks))
		}
	})
}

func TestDiscover_SpecializationBreaksTies(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.create(t, "plain", 5, "go")
	special := h.create(t, "special", 5, "sql")

	res, err := h.Discover(context.Background(), DiscoverRequest{
		Worker:          "worker-a",
		Capabilities:    []string{"go", "sql"},
		Specializations: []string{"sql"},
		Timeout:         -1,
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, special.Code, res.Tasks[0].Code)
}

func TestDiscover_Capabilities(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.create(t, "R-1", 5, "rust")
	ctx := context.Background()

	res, err := h.Discover(ctx, snapshot("py", "python"))
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, res.Status)

	res, err = h.Discover(ctx, snapshot("polyglot", "Rust", "python"))
	require.NoError(t, err)
	require.Equal(t, StatusTasks, res.Status)
	assert.Equal(t, []string{"R-1"}, taskCodes(res.Tasks))
}

func TestDiscover_RegisteredCapabilitiesUsedWhenOmitted(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.create(t, "R-1", 5, "rust")
	h.register(t, "rusty", "rust")

	res, err := h.Discover(context.Background(), DiscoverRequest{Worker: "rusty", Timeout: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{"R-1"}, taskCodes(res.Tasks))

	res, err = h.Discover(context.Background(), DiscoverRequest{Worker: "stranger", Timeout: -1})
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, res.Status)
}

func TestDiscover_DependencyGating(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	dep := h.create(t, "dep", 1)
	gated, err := h.CreateTask(ctx, task.NewTask{
		Code:          "gated",
		Name:          "gated",
		Description:   "waits for dep",
		PriorityScore: ptr(10.0),
		DependsOn:     []int64{dep.ID},
	})
	require.NoError(t, err)

	res, err := h.Discover(ctx, snapshot("worker-a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dep"}, taskCodes(res.Tasks))

	_, err = h.Claim(ctx, gated.ID, "worker-a")
	assert.True(t, errors.Is(err, task.ErrValidation), "claim of gated task: %v", err)

	_, err = h.Claim(ctx, dep.ID, "worker-a")
	require.NoError(t, err)
	_, err = h.SetState(ctx, dep.ID, task.StateDone)
	require.NoError(t, err)

	res, err = h.Discover(ctx, snapshot("worker-a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"gated"}, taskCodes(res.Tasks))
}

func TestDiscover_Limit(t *testing.T) {
	h := newHarness(t, fastOptions())
	for i := 0; i < 5; i++ {
		h.create(t, fmt.Sprintf("T-%d", i), float64(i))
	}
	req := snapshot("worker-a")
	req.Limit = 2
	res, err := h.Discover(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"T-4", "T-3"}, taskCodes(res.Tasks))
}

func TestDiscover_EmptyWorker(t *testing.T) {
	h := newHarness(t, fastOptions())
	_, err := h.Discover(context.Background(), DiscoverRequest{Worker: " "})
	assert.True(t, errors.Is(err, task.ErrValidation))
}

func TestDiscover_TimesOut(t *testing.T) {
	h := newHarness(t, fastOptions())
	req := snapshot("worker-a")
	req.Timeout = 150 * time.Millisecond

	start := time.Now()
	res, err := h.Discover(context.Background(), req)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, res.Status)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDiscover_FiveSecondTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits five seconds")
	}
	o := fastOptions()
	o.PollInterval = 250 * time.Millisecond
	h := newHarness(t, o)
	req := snapshot("worker-a")
	req.Timeout = 5 * time.Second

	start := time.Now()
	res, err := h.Discover(context.Background(), req)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, res.Status)
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
	assert.Less(t, elapsed, 7*time.Second)
}

func TestDiscover_WakesWhenWorkArrives(t *testing.T) {
	h := newHarness(t, fastOptions())
	req := snapshot("worker-a")
	req.Timeout = 5 * time.Second

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = h.CreateTask(context.Background(), task.NewTask{Code: "late", Name: "late", Description: "late"})
	}()
	res, err := h.Discover(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusTasks, res.Status)
	assert.Equal(t, []string{"late"}, taskCodes(res.Tasks))
	assert.Less(t, res.Waited, 5*time.Second)
}

func TestDiscover_Cancelled(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	req := snapshot("worker-a")
	req.Timeout = 5 * time.Second
	_, err := h.Discover(ctx, req)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestDiscover_WaitCappedByMaxWait(t *testing.T) {
	o := fastOptions()
	o.MaxWait = 300 * time.Millisecond
	o.SafetyMargin = 200 * time.Millisecond
	h := newHarness(t, o)

	assert.Equal(t, 100*time.Millisecond, h.waitBudget(10*time.Second))
	assert.Equal(t, 50*time.Millisecond, h.waitBudget(50*time.Millisecond))
	assert.Equal(t, time.Duration(0), h.waitBudget(-1))

	req := snapshot("worker-a")
	req.Timeout = time.Minute
	start := time.Now()
	res, err := h.Discover(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, res.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDiscover_QuarantinedExcluded(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	hot := h.create(t, "hot", 10)
	h.create(t, "cold", 1)
	for i := 0; i < 3; i++ {
		_, err := h.ReportFailure(ctx, hot.ID, "observer", "boom")
		require.NoError(t, err)
	}
	assert.Equal(t, task.StateQuarantined, h.reload(t, hot.ID).State)

	res, err := h.Discover(ctx, snapshot("worker-a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"cold"}, taskCodes(res.Tasks))
}

func TestAvailable_Snapshot(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.create(t, "A", 5)
	got, err := h.Available(context.Background(), DiscoverRequest{Worker: "worker-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, taskCodes(got))
}

func TestDiscover_CustomPrerequisite(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.create(t, "A", 5)
	h.AddPrerequisite(func(_ context.Context, req DiscoverRequest) (*Action, error) {
		if req.Worker == "blocked" {
			return &Action{Kind: "register", Message: "register first"}, nil
		}
		return nil, nil
	})

	res, err := h.Discover(context.Background(), snapshot("blocked"))
	require.NoError(t, err)
	require.Equal(t, StatusActionRequired, res.Status)
	assert.Equal(t, "register", res.Action.Kind)

	res, err = h.Discover(context.Background(), snapshot("free"))
	require.NoError(t, err)
	assert.Equal(t, StatusTasks, res.Status)
}
