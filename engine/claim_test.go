package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

func TestScenario_DiscoverClaimRelease(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	t1 := h.create(t, "T-1", 5)

	res, err := h.Discover(ctx, snapshot("workerA"))
	require.NoError(t, err)
	require.Equal(t, StatusTasks, res.Status)
	assert.Equal(t, []string{"T-1"}, taskCodes(res.Tasks))

	claimed, err := h.Claim(ctx, t1.ID, "workerA")
	require.NoError(t, err)
	assert.Equal(t, task.StateInProgress, claimed.State)
	assert.Equal(t, "workerA", claimed.Owner)
	assert.NotNil(t, claimed.ClaimedAt)

	_, err = h.Claim(ctx, t1.ID, "workerB")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrClaimConflict), "second claim: %v", err)
	assert.Equal(t, "workerA", h.reload(t, t1.ID).Owner)

	released, err := h.Release(ctx, t1.ID, "workerA", "reassign")
	require.NoError(t, err)
	assert.Equal(t, task.StateCreated, released.State)
	assert.Empty(t, released.Owner)
	assert.Nil(t, released.ClaimedAt)

	assert.Equal(t, []comms.EventType{
		comms.TypeTaskCreated,
		comms.TypeClaimed,
		comms.TypeSessionStarted,
		comms.TypeSessionFinished,
		comms.TypeReleased,
	}, eventTypes(t, h.bus, "T-1"))

	sessions, err := h.ListSessions(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Active())
}

func TestClaim_ConcurrentOneWinner(t *testing.T) {
	h := newHarness(t, fastOptions())
	target := h.create(t, "race", 5)

	const n = 24
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			_, err := h.Claim(context.Background(), target.ID, worker)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, worker)
			case errors.Is(err, task.ErrClaimConflict):
				losers++
			default:
				t.Errorf("unexpected error for %s: %v", worker, err)
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)
	assert.Equal(t, winners[0], h.reload(t, target.ID).Owner)
}

func TestClaim_Rejections(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	_, err := h.Claim(ctx, 999, "workerA")
	assert.True(t, errors.Is(err, task.ErrNotFound), "missing task: %v", err)

	plain := h.create(t, "plain", 5)
	_, err = h.Claim(ctx, plain.ID, "  ")
	assert.True(t, errors.Is(err, task.ErrValidation), "empty worker: %v", err)

	rust := h.create(t, "rust", 5, "rust")
	h.register(t, "py", "python")
	_, err = h.Claim(ctx, rust.ID, "py")
	assert.True(t, errors.Is(err, task.ErrValidation), "missing capability: %v", err)
	assert.Empty(t, h.reload(t, rust.ID).Owner)

	// An unregistered worker declares no capabilities.
	_, err = h.Claim(ctx, rust.ID, "ghost")
	assert.True(t, errors.Is(err, task.ErrValidation), "unregistered worker: %v", err)
	assert.Empty(t, h.reload(t, rust.ID).Owner)

	waiting := h.create(t, "waiting", 5)
	_, err = h.SetState(ctx, waiting.ID, task.StateWaitingForDependency)
	require.NoError(t, err)
	_, err = h.Claim(ctx, waiting.ID, "workerA")
	assert.True(t, errors.Is(err, task.ErrValidation), "waiting task: %v", err)

	q := h.create(t, "q", 5)
	_, err = h.Quarantine(ctx, Caller{ID: "ops"}, q.ID, "manual")
	require.NoError(t, err)
	_, err = h.Claim(ctx, q.ID, "workerA")
	assert.True(t, errors.Is(err, task.ErrQuarantined), "quarantined task: %v", err)
}

func TestRelease_NonOwnerDoesNotMutate(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	tk := h.create(t, "T-1", 5)
	claimed, err := h.Claim(ctx, tk.ID, "workerA")
	require.NoError(t, err)

	for _, who := range []string{"workerB", "workera", ""} {
		_, err := h.Release(ctx, tk.ID, who, "steal")
		assert.True(t, errors.Is(err, task.ErrValidation), "release by %q: %v", who, err)
	}
	after := h.reload(t, tk.ID)
	assert.Equal(t, claimed.Version, after.Version)
	assert.Equal(t, "workerA", after.Owner)
	assert.Equal(t, task.StateInProgress, after.State)

	// Unclaimed tasks cannot be released either.
	free := h.create(t, "free", 5)
	_, err = h.Release(ctx, free.ID, "workerA", "")
	assert.True(t, errors.Is(err, task.ErrValidation))
	assert.Equal(t, free.Version, h.reload(t, free.ID).Version)
}

func TestReportProgress(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	tk := h.create(t, "T-1", 5)

	_, err := h.ReportProgress(ctx, tk.ID, "workerA", "")
	assert.True(t, errors.Is(err, task.ErrValidation), "progress on unowned task: %v", err)

	_, err = h.Claim(ctx, tk.ID, "workerA")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	got, err := h.ReportProgress(ctx, tk.ID, "workerA", "halfway")
	require.NoError(t, err)
	require.NotNil(t, got.ProgressAt)
	assert.Equal(t, h.clock.Now(), got.LastActivity())
}

func TestReclaimStale(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	idle := h.create(t, "idle", 5)
	busy := h.create(t, "busy", 5)
	_, err := h.Claim(ctx, idle.ID, "sleepy")
	require.NoError(t, err)
	_, err = h.Claim(ctx, busy.ID, "eager")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	_, err = h.ReportProgress(ctx, busy.ID, "eager", "still going")
	require.NoError(t, err)

	n, err := h.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is older than the claim timeout yet")

	h.clock.Advance(6 * time.Minute)
	n, err = h.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, task.StateCreated, h.reload(t, idle.ID).State)
	assert.Empty(t, h.reload(t, idle.ID).Owner)
	assert.Equal(t, "eager", h.reload(t, busy.ID).Owner)
	assert.Contains(t, eventTypes(t, h.bus, "idle"), comms.TypeReclaimed)
}

func TestLiveness_ReleasesExpiredWorker(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	h.register(t, "ghost")
	h.register(t, "alive")
	a := h.create(t, "A", 5)
	b := h.create(t, "B", 5)
	_, err := h.Claim(ctx, a.ID, "ghost")
	require.NoError(t, err)
	_, err = h.Claim(ctx, b.ID, "alive")
	require.NoError(t, err)

	mon := agent.NewLivenessMonitor(h.workers, 10*time.Second, 3, h.ExpireWorker, h.logger)
	h.clock.Advance(20 * time.Second)
	_, err = h.workers.Heartbeat("alive", b.ID)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Second)

	assert.Equal(t, 1, mon.Sweep(ctx))
	assert.Equal(t, task.StateCreated, h.reload(t, a.ID).State)
	assert.Equal(t, "alive", h.reload(t, b.ID).Owner)

	info, ok := h.workers.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, agent.StatusOffline, info.Status)
}
