package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
)

func openTestDB(t *testing.T) *HistoryRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewHistoryRepository(db)
}

func record(taskID string, from, to lifecycle.TaskStatus, at time.Time) lifecycle.TransitionRecord {
	return lifecycle.TransitionRecord{
		TaskID: taskID,
		Transition: lifecycle.Transition{
			From: from, To: to, Timestamp: at,
			Reason: "test", TriggeredBy: "coordinator", IsAutomated: true,
		},
	}
}

func TestAppendAndList(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(ctx, "wf-1", record("T0001", lifecycle.StatusPending, lifecycle.StatusInProgress, at), 100))
	require.NoError(t, repo.Append(ctx, "wf-1", record("T0001", lifecycle.StatusInProgress, lifecycle.StatusCompleted, at.Add(time.Minute)), 100))
	require.NoError(t, repo.Append(ctx, "wf-2", record("T0002", lifecycle.StatusPending, lifecycle.StatusCancelled, at), 100))

	got, err := repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "T0001", got[0].TaskID)
	assert.Equal(t, lifecycle.StatusInProgress, got[0].To)
	assert.Equal(t, lifecycle.StatusCompleted, got[1].To)
	assert.True(t, got[0].IsAutomated)

	other, err := repo.ListByWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "T0002", other[0].TaskID)
}

func TestAppendTrimsToLimit(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		rec := record(fmt.Sprintf("T%04d", i+1), lifecycle.StatusPending, lifecycle.StatusCancelled, at.Add(time.Duration(i)*time.Second))
		require.NoError(t, repo.Append(ctx, "wf-1", rec, 3))
	}

	got, err := repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Only the newest three survive.
	assert.Equal(t, "T0008", got[0].TaskID)
	assert.Equal(t, "T0010", got[2].TaskID)
}

func TestListUnknownWorkflowIsEmpty(t *testing.T) {
	repo := openTestDB(t)
	got, err := repo.ListByWorkflow(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMigrateIsIdempotentOnDisk(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))
}
