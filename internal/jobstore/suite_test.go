package jobstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshqueue/internal/jobs"
)

// runStoreSuite exercises the jobs.Store contract against any backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) jobs.Store) {
	t.Run("create and get", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		job := jobs.New(jobs.NewID(), []string{"convert", "slice"}, "jobs/a/input/a.3mf", "a.3mf", time.Now())
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.State != jobs.StatePending || got.Version != 1 || len(got.Pipeline) != 2 || got.InputName != "a.3mf" {
			t.Fatalf("unexpected job: %+v", got)
		}
		if _, err := store.Get(ctx, "nope"); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save is compare and swap", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		job := jobs.New(jobs.NewID(), []string{"repair", "slice"}, "jobs/b/input/b.stl", "b.stl", time.Now())
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		stale := job.Clone()

		_ = job.Start(time.Now())
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		_ = job.CompleteStage("jobs/b/repair/repaired.stl", []string{"note"}, time.Now())
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if job.Version != 3 {
			t.Fatalf("expected version 3, got %d", job.Version)
		}

		_ = stale.Cancel(time.Now())
		if err := store.Save(ctx, stale); !errors.Is(err, jobs.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		got, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.CurrentStageIndex != 1 || len(got.ArtifactRefs) != 1 || got.ArtifactRefs[0].Ref != "jobs/b/repair/repaired.stl" {
			t.Fatalf("unexpected persisted job: %+v", got)
		}
		if len(got.Warnings) != 1 || got.Warnings[0] != "note" {
			t.Fatalf("unexpected warnings: %v", got.Warnings)
		}
	})

	t.Run("terminal records are read only", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		job := jobs.New(jobs.NewID(), []string{"slice"}, "jobs/c/input/c.stl", "c.stl", time.Now())
		_ = store.Create(ctx, job)
		_ = job.Start(time.Now())
		_ = store.Save(ctx, job)
		if err := job.Fail(jobs.Cause{Kind: "tool_timeout", Stage: "slice", Message: "killed", Attempt: 3}, time.Now()); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		job.State = jobs.StateRunning
		if err := store.Save(ctx, job); !errors.Is(err, jobs.ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		if err := store.RequestCancel(ctx, job.ID); !errors.Is(err, jobs.ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		got, _ := store.Get(ctx, job.ID)
		if got.Error == nil || got.Error.Kind != "tool_timeout" || got.Error.Attempt != 3 {
			t.Fatalf("unexpected cause: %+v", got.Error)
		}
	})

	t.Run("cancel flag and heartbeat keep version", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		job := jobs.New(jobs.NewID(), []string{"slice"}, "jobs/d/input/d.stl", "d.stl", time.Now())
		_ = store.Create(ctx, job)
		_ = job.Start(time.Now())
		_ = store.Save(ctx, job)

		beat := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		if err := store.Touch(ctx, job.ID, beat); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
		if err := store.RequestCancel(ctx, job.ID); err != nil {
			t.Fatalf("RequestCancel failed: %v", err)
		}
		got, _ := store.Get(ctx, job.ID)
		if !got.CancelRequested || got.Version != job.Version {
			t.Fatalf("expected cancel flag without version bump: %+v", got)
		}
		if !got.LastHeartbeat.Equal(beat) {
			t.Fatalf("unexpected heartbeat %s want %s", got.LastHeartbeat, beat)
		}

		// The holder's save succeeds and keeps the flag.
		_ = job.FailAttempt(time.Now())
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if !job.CancelRequested || !job.LastHeartbeat.Equal(beat) {
			t.Fatalf("save dropped owned fields: %+v", job)
		}
	})

	t.Run("list and stats", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		before, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		var ids []string
		for i := 0; i < 3; i++ {
			job := jobs.New(jobs.NewID(), []string{"slice"}, "jobs/e/input/e.stl", "e.stl", time.Now())
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			ids = append(ids, job.ID)
			time.Sleep(2 * time.Millisecond)
		}
		if _, err := jobs.Cancel(ctx, store, ids[1], time.Now()); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}

		all, err := store.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := ownIDs(all, ids); len(got) != 3 || got[0] != ids[0] || got[2] != ids[2] {
			t.Fatalf("expected jobs in creation order, got %v", got)
		}
		pending, err := store.List(ctx, jobs.StatePending)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := ownIDs(pending, ids); len(got) != 2 {
			t.Fatalf("expected 2 pending jobs, got %v", got)
		}
		after, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if after[jobs.StatePending]-before[jobs.StatePending] != 2 ||
			after[jobs.StateCancelled]-before[jobs.StateCancelled] != 1 {
			t.Fatalf("unexpected stats: before %v after %v", before, after)
		}
		if _, ok := after[jobs.StateStageFailed]; !ok {
			t.Fatalf("expected every state in stats, got %v", after)
		}
	})

	t.Run("concurrent writers serialize", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		job := jobs.New(jobs.NewID(), []string{"slice"}, "jobs/f/input/f.stl", "f.stl", time.Now())
		_ = store.Create(ctx, job)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				copyJob, err := store.Get(ctx, job.ID)
				if err != nil {
					return
				}
				if copyJob.State != jobs.StatePending {
					return
				}
				_ = copyJob.Start(time.Now())
				if err := store.Save(ctx, copyJob); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if successes != 1 {
			t.Fatalf("expected exactly one writer to start the job, got %d", successes)
		}
	})
}

// ownIDs keeps the ids of listed jobs created by the current test, in list
// order, so suites can share a backend.
func ownIDs(list []*jobs.Job, ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []string
	for _, job := range list {
		if want[job.ID] {
			out = append(out, job.ID)
		}
	}
	return out
}
