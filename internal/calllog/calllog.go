// Package calllog records call attempts in the call_logs table. Writes are
// best effort: callers log failures and carry on.
package calllog

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("calllog")

const Table = "call_logs"

// trackedIDs bounds how many record ids the log remembers per kind of write.
// A repeated write for an id forgotten since would just rewrite the same row.
const trackedIDs = 256

const (
	StatusMissed    = "missed"
	StatusCompleted = "completed"
)

// Store is the persistence service the log writes through.
type Store interface {
	Insert(ctx context.Context, table string, data map[string]any) (int64, error)
	Update(ctx context.Context, table string, id int64, patch map[string]any) error
}

// Log tracks which recent records were already completed or finished so
// repeated calls write nothing.
type Log struct {
	store Store

	mu        sync.Mutex
	completed *lru.Cache[int64, struct{}]
	finished  *lru.Cache[int64, struct{}]
}

func New(store Store) *Log {
	completed, _ := lru.New[int64, struct{}](trackedIDs)
	finished, _ := lru.New[int64, struct{}](trackedIDs)
	return &Log{
		store:     store,
		completed: completed,
		finished:  finished,
	}
}

func CallType(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}

// Begin creates a missed record for an outgoing call.
func (l *Log) Begin(ctx context.Context, conversationID, callerID string, video bool, startedAt time.Time) (int64, error) {
	id, err := l.store.Insert(ctx, Table, map[string]any{
		"conversation_id":  conversationID,
		"caller_id":        callerID,
		"status":           StatusMissed,
		"type":             CallType(video),
		"started_at":       startedAt.UTC().Format(time.RFC3339Nano),
		"duration_seconds": 0,
	})
	if err != nil {
		return 0, fmt.Errorf("begin call log: %w", err)
	}
	log.Debugw("call log created", "id", id, "conversation", conversationID, "type", CallType(video))
	return id, nil
}

// Complete marks the record answered.
func (l *Log) Complete(ctx context.Context, id int64) error {
	l.mu.Lock()
	if l.completed.Contains(id) {
		l.mu.Unlock()
		return nil
	}
	l.completed.Add(id, struct{}{})
	l.mu.Unlock()

	if err := l.store.Update(ctx, Table, id, map[string]any{"status": StatusCompleted}); err != nil {
		l.completed.Remove(id)
		return fmt.Errorf("complete call log %d: %w", id, err)
	}
	return nil
}

// Finish stores the end time and the duration rounded to whole seconds.
// Only the first call for an id writes.
func (l *Log) Finish(ctx context.Context, id int64, endedAt time.Time, duration time.Duration) error {
	l.mu.Lock()
	if l.finished.Contains(id) {
		l.mu.Unlock()
		return nil
	}
	l.finished.Add(id, struct{}{})
	l.completed.Remove(id)
	l.mu.Unlock()

	if err := l.store.Update(ctx, Table, id, map[string]any{
		"ended_at":         endedAt.UTC().Format(time.RFC3339Nano),
		"duration_seconds": Seconds(duration),
	}); err != nil {
		return fmt.Errorf("finish call log %d: %w", id, err)
	}
	return nil
}

// Seconds rounds d to the nearest second; negative durations count as zero.
func Seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Round(d.Seconds()))
}
