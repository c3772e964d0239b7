package task

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	f, err := os.CreateTemp("", "dispatch-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLStore(t)) })
}

func sampleTask(code string) *Task {
	return &Task{
		Code:                 code,
		Name:                 "Task " + code,
		Description:          "Do " + code,
		State:                StateCreated,
		PriorityScore:        DefaultPriority,
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		RequiredCapabilities: []string{"go", "sql"},
		CreatedAt:            time.Now().UTC(),
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := sampleTask("T-1")
		in.DependsOn = []int64{}
		in.EstimatedEffort = 90 * time.Minute

		created, err := s.Insert(ctx, in)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if created.ID != 1 {
			t.Errorf("ID = %d, want 1", created.ID)
		}
		if created.Version != 1 {
			t.Errorf("Version = %d, want 1", created.Version)
		}

		got, ok, err := s.Get(ctx, created.ID)
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if got.Code != "T-1" || got.Name != "Task T-1" {
			t.Errorf("got %q/%q", got.Code, got.Name)
		}
		if len(got.RequiredCapabilities) != 2 || got.RequiredCapabilities[0] != "go" {
			t.Errorf("RequiredCapabilities = %v, want [go sql]", got.RequiredCapabilities)
		}
		if got.DependsOn != nil {
			t.Errorf("DependsOn = %v, want nil", got.DependsOn)
		}
		if got.EstimatedEffort != 90*time.Minute {
			t.Errorf("EstimatedEffort = %v", got.EstimatedEffort)
		}
		if got.ClaimedAt != nil || got.DoneAt != nil {
			t.Error("fresh task should have no claim or done timestamps")
		}

		byCode, ok, err := s.GetByCode(ctx, "T-1")
		if err != nil || !ok {
			t.Fatalf("GetByCode: ok=%v err=%v", ok, err)
		}
		if byCode.ID != created.ID {
			t.Errorf("GetByCode id = %d, want %d", byCode.ID, created.ID)
		}
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, ok, err := s.Get(ctx, 42); ok || err != nil {
			t.Errorf("Get(42) ok=%v err=%v, want false,nil", ok, err)
		}
		if _, ok, err := s.GetByCode(ctx, "nope"); ok || err != nil {
			t.Errorf("GetByCode ok=%v err=%v, want false,nil", ok, err)
		}
	})
}

func TestStore_DuplicateCode(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Insert(ctx, sampleTask("DUP")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		_, err := s.Insert(ctx, sampleTask("DUP"))
		if !errors.Is(err, ErrDuplicateCode) {
			t.Fatalf("second Insert err = %v, want ErrDuplicateCode", err)
		}
	})
}

func TestStore_CompareAndSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, err := s.Insert(ctx, sampleTask("CAS"))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}

		next := created.Clone()
		next.Owner = "alice"
		next.State = StateInProgress
		next.Code = "HIJACK"
		stored, err := s.CompareAndSet(ctx, next, created.Version)
		if err != nil {
			t.Fatalf("CompareAndSet: %v", err)
		}
		if stored.Version != 2 {
			t.Errorf("Version = %d, want 2", stored.Version)
		}
		if stored.Owner != "alice" || stored.State != StateInProgress {
			t.Errorf("stored = %+v", stored)
		}
		if stored.Code != "CAS" {
			t.Errorf("Code = %q, CompareAndSet must not change it", stored.Code)
		}

		// A writer holding the old version loses.
		loser := created.Clone()
		loser.Owner = "bob"
		if _, err := s.CompareAndSet(ctx, loser, created.Version); !errors.Is(err, ErrStale) {
			t.Fatalf("stale CompareAndSet err = %v, want ErrStale", err)
		}
		got, _, _ := s.Get(ctx, created.ID)
		if got.Owner != "alice" {
			t.Errorf("Owner = %q after stale write, want alice", got.Owner)
		}

		ghost := created.Clone()
		ghost.ID = 999
		if _, err := s.CompareAndSet(ctx, ghost, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing CompareAndSet err = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		specs := []struct {
			code  string
			prio  float64
			owner string
			state State
			caps  []string
		}{
			{"A", 3, "", StateCreated, []string{"go"}},
			{"B", 9, "", StateCreated, []string{"rust"}},
			{"C", 9, "alice", StateInProgress, []string{"go"}},
			{"D", 1, "", StateCreated, nil},
		}
		for _, sp := range specs {
			in := sampleTask(sp.code)
			in.PriorityScore = sp.prio
			in.Owner = sp.owner
			in.State = sp.state
			in.RequiredCapabilities = sp.caps
			if _, err := s.Insert(ctx, in); err != nil {
				t.Fatalf("Insert %s: %v", sp.code, err)
			}
		}

		all, err := s.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("len(all) = %d, want 4", len(all))
		}

		open, _ := s.List(ctx, Filter{States: []State{StateCreated}, Unassigned: true, OrderBy: OrderPriority})
		if codes(open) != "B,A,D" {
			t.Errorf("open by priority = %s, want B,A,D", codes(open))
		}

		mine, _ := s.List(ctx, Filter{Owner: "alice"})
		if codes(mine) != "C" {
			t.Errorf("alice's = %s, want C", codes(mine))
		}

		goOnly, _ := s.List(ctx, Filter{Capabilities: []string{"go"}})
		if codes(goOnly) != "A,C,D" {
			t.Errorf("go-capable = %s, want A,C,D", codes(goOnly))
		}

		min := 5.0
		high, _ := s.List(ctx, Filter{MinPriority: &min, OrderBy: OrderPriority})
		if codes(high) != "B,C" {
			t.Errorf("priority>=5 = %s, want B,C", codes(high))
		}

		paged, _ := s.List(ctx, Filter{Limit: 2, Offset: 1})
		if codes(paged) != "B,C" {
			t.Errorf("paged = %s, want B,C", codes(paged))
		}
		pagedCaps, _ := s.List(ctx, Filter{Capabilities: []string{"go"}, Limit: 1, Offset: 1})
		if codes(pagedCaps) != "C" {
			t.Errorf("paged capability filter = %s, want C", codes(pagedCaps))
		}
	})
}

func TestStore_ParentLink(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent, _ := s.Insert(ctx, sampleTask("P"))
		child := sampleTask("P.1")
		child.ParentTaskID = &parent.ID
		child.DependsOn = []int64{parent.ID}
		if _, err := s.Insert(ctx, child); err != nil {
			t.Fatalf("Insert child: %v", err)
		}
		kids, err := s.List(ctx, Filter{ParentTaskID: &parent.ID})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(kids) != 1 || kids[0].Code != "P.1" {
			t.Fatalf("children = %s, want P.1", codes(kids))
		}
		if len(kids[0].DependsOn) != 1 || kids[0].DependsOn[0] != parent.ID {
			t.Errorf("DependsOn = %v", kids[0].DependsOn)
		}
	})
}

func codes(ts []*Task) string {
	out := ""
	for i, t := range ts {
		if i > 0 {
			out += ","
		}
		out += t.Code
	}
	return out
}

func TestSQLStore_CorruptColumn(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	created, err := s.Insert(ctx, sampleTask("T-1"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET required_capabilities = 'go,sql' WHERE id = ?`, created.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	if _, _, err := s.Get(ctx, created.ID); err == nil {
		t.Error("Get of a corrupt row should fail")
	}
	if _, err := s.List(ctx, Filter{}); err == nil {
		t.Error("List over a corrupt row should fail")
	}
}
