package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertUpdateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, "call_logs", map[string]any{
		"conversation_id": "c1",
		"caller_id":       "alice",
		"status":          "missed",
		"type":            "video",
		"started_at":      "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, db.Update(ctx, "call_logs", id, map[string]any{"status": "completed"}))
	require.NoError(t, db.Update(ctx, "call_logs", id, map[string]any{
		"ended_at":         "2026-01-02T03:05:00Z",
		"duration_seconds": 55,
	}))

	row, err := db.GetCallLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", row.Status)
	assert.Equal(t, "video", row.Type)
	assert.Equal(t, int64(55), row.DurationSeconds)
	assert.Equal(t, "2026-01-02T03:05:00Z", row.EndedAt)
}

func TestUpdateMissingRow(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(context.Background(), "call_logs", 42, map[string]any{"status": "completed"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetCallLog(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsUnsafeIdentifiers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Insert(ctx, "call_logs; DROP TABLE x", map[string]any{"status": "missed"})
	assert.Error(t, err)
	_, err = db.Insert(ctx, "call_logs", map[string]any{"status = 1 --": "missed"})
	assert.Error(t, err)
	assert.Error(t, db.Update(ctx, "call_logs", 1, map[string]any{"1bad": 1}))
}

func TestListCallLogsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insert := func(conv string) int64 {
		id, err := db.Insert(ctx, "call_logs", map[string]any{
			"conversation_id": conv,
			"caller_id":       "alice",
			"started_at":      "2026-01-02T03:04:05Z",
		})
		require.NoError(t, err)
		return id
	}
	first := insert("c1")
	insert("c2")
	last := insert("c1")

	rows, err := db.ListCallLogs(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, last, rows[0].ID)
	assert.Equal(t, first, rows[1].ID)
	assert.Equal(t, "missed", rows[0].Status)
	assert.Equal(t, "audio", rows[0].Type)
	assert.Empty(t, rows[0].EndedAt)

	rows, err = db.ListCallLogs(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	_, err = db.Insert(context.Background(), "call_logs", map[string]any{
		"conversation_id": "c1", "caller_id": "a", "started_at": "x",
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.ListCallLogs(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
