package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

func TestHistoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("save and get round trip", func(t *testing.T) {
		store := NewHistoryStore(10)
		record := ports.TaskRecord{
			TaskID:      "task_abc123",
			WorkerID:    "acct-a",
			Status:      "completed",
			SubmittedAt: time.Now().Add(-time.Second),
			CompletedAt: time.Now(),
			Attempts:    1,
		}
		if err := store.Save(ctx, record); err != nil {
			t.Fatal(err)
		}

		got, err := store.Get(ctx, "task_abc123")
		if err != nil {
			t.Fatal(err)
		}
		if got.WorkerID != "acct-a" || got.Status != "completed" {
			t.Fatalf("unexpected record: %+v", got)
		}
	})

	t.Run("unknown task id", func(t *testing.T) {
		store := NewHistoryStore(10)
		if _, err := store.Get(ctx, "task_missing"); err == nil {
			t.Fatal("expected error for unknown task")
		}
	})

	t.Run("save overwrites an existing record", func(t *testing.T) {
		store := NewHistoryStore(10)
		_ = store.Save(ctx, ports.TaskRecord{TaskID: "task_a", Status: "completed"})
		_ = store.Save(ctx, ports.TaskRecord{TaskID: "task_a", Status: "cancelled"})

		got, err := store.Get(ctx, "task_a")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != "cancelled" {
			t.Fatalf("expected overwrite, got %s", got.Status)
		}
	})

	t.Run("oldest records are evicted at the bound", func(t *testing.T) {
		store := NewHistoryStore(3)
		for i := 0; i < 5; i++ {
			_ = store.Save(ctx, ports.TaskRecord{TaskID: fmt.Sprintf("task_%d", i), Status: "completed"})
		}

		if _, err := store.Get(ctx, "task_0"); err == nil {
			t.Fatal("expected task_0 to be evicted")
		}
		if _, err := store.Get(ctx, "task_1"); err == nil {
			t.Fatal("expected task_1 to be evicted")
		}
		for i := 2; i < 5; i++ {
			if _, err := store.Get(ctx, fmt.Sprintf("task_%d", i)); err != nil {
				t.Fatalf("task_%d should have been kept: %v", i, err)
			}
		}
	})
}
