package journal_test

import (
	"context"
	"testing"
	"time"

	"murmur/internal/registry"
	"murmur/internal/testsupport"
)

func queuedTask(id string, submitted time.Time) registry.Task {
	return registry.Task{
		ID:          id,
		Model:       "base",
		State:       registry.StateQueued,
		SubmittedAt: submitted,
	}
}

func TestRecordAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	jnl := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	submitted := time.Now().UTC().Truncate(time.Millisecond)
	if err := jnl.Record(ctx, queuedTask("j1", submitted)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entry, err := jnl.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry == nil || entry.State != registry.StateQueued || entry.Model != "base" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if !entry.SubmittedAt.Equal(submitted) {
		t.Fatalf("submitted_at mismatch: %s vs %s", entry.SubmittedAt, submitted)
	}

	// Upsert with a terminal snapshot.
	finished := submitted.Add(time.Minute)
	expires := finished.Add(24 * time.Hour)
	task := queuedTask("j1", submitted)
	task.State = registry.StateCompleted
	task.FinishedAt = &finished
	task.Result = &registry.Result{Path: "/results/j1.srt", Size: 42, CreatedAt: finished, ExpiresAt: expires}
	if err := jnl.Record(ctx, task); err != nil {
		t.Fatalf("Record upsert failed: %v", err)
	}

	entry, err = jnl.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.State != registry.StateCompleted || entry.ResultSize != 42 {
		t.Fatalf("unexpected upserted entry: %#v", entry)
	}
	if entry.ResultExpiresAt == nil || !entry.ResultExpiresAt.Equal(expires) {
		t.Fatalf("expiry mismatch: %#v", entry.ResultExpiresAt)
	}
}

func TestListNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	jnl := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	base := time.Now().UTC()
	if err := jnl.Record(ctx, queuedTask("older", base)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := jnl.Record(ctx, queuedTask("newer", base.Add(time.Second))); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := jnl.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 || entries[0].TaskID != "newer" || entries[1].TaskID != "older" {
		t.Fatalf("unexpected order: %#v", entries)
	}

	limited, err := jnl.List(ctx, 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 || limited[0].TaskID != "newer" {
		t.Fatalf("unexpected limited listing: %#v", limited)
	}
}

func TestStats(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	jnl := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, state := range []registry.State{registry.StateCompleted, registry.StateCompleted, registry.StateFailed} {
		task := queuedTask(string(rune('a'+i)), now)
		task.State = state
		if err := jnl.Record(ctx, task); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	stats, err := jnl.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[registry.StateCompleted] != 2 || stats[registry.StateFailed] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestExpiredResultsAndClear(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	jnl := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	now := time.Now().UTC()
	expired := queuedTask("expired", now.Add(-48*time.Hour))
	expired.State = registry.StateCompleted
	finished := now.Add(-47 * time.Hour)
	expiry := now.Add(-23 * time.Hour)
	expired.FinishedAt = &finished
	expired.Result = &registry.Result{Path: "/results/expired.srt", Size: 9, CreatedAt: finished, ExpiresAt: expiry}
	if err := jnl.Record(ctx, expired); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	current := queuedTask("current", now)
	current.State = registry.StateCompleted
	currentExpiry := now.Add(23 * time.Hour)
	current.Result = &registry.Result{Path: "/results/current.srt", Size: 9, CreatedAt: now, ExpiresAt: currentExpiry}
	if err := jnl.Record(ctx, current); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	ids, err := jnl.ExpiredResults(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredResults failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "expired" {
		t.Fatalf("expected [expired], got %v", ids)
	}

	if err := jnl.ClearResult(ctx, "expired"); err != nil {
		t.Fatalf("ClearResult failed: %v", err)
	}
	ids, err = jnl.ExpiredResults(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredResults failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no expired results after clear, got %v", ids)
	}

	if err := jnl.Remove(ctx, "current"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	entry, err := jnl.Get(ctx, "current")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected row removed, got %#v", entry)
	}
}
