package storage

import (
	"context"
	"database/sql"
)

// CallLogRow is one row of call_logs as read back for history views.
// Timestamps are the RFC 3339 strings written by the call log.
type CallLogRow struct {
	ID              int64  `json:"id"`
	ConversationID  string `json:"conversation_id"`
	CallerID        string `json:"caller_id"`
	Status          string `json:"status"`
	Type            string `json:"type"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// ListCallLogs returns the newest rows of a conversation first. limit <= 0
// means 50.
func (d *DB) ListCallLogs(ctx context.Context, conversationID string, limit int) ([]CallLogRow, error) {
	if limit <= 0 {
		limit = 50
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, conversation_id, caller_id, status, type, started_at, ended_at, duration_seconds
		FROM call_logs
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallLogRow
	for rows.Next() {
		var r CallLogRow
		var ended sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.CallerID, &r.Status, &r.Type, &r.StartedAt, &ended, &r.DurationSeconds); err != nil {
			return nil, err
		}
		r.EndedAt = ended.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetCallLog reads one row by id.
func (d *DB) GetCallLog(ctx context.Context, id int64) (CallLogRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var r CallLogRow
	var ended sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, caller_id, status, type, started_at, ended_at, duration_seconds
		FROM call_logs WHERE id = ?`, id).
		Scan(&r.ID, &r.ConversationID, &r.CallerID, &r.Status, &r.Type, &r.StartedAt, &ended, &r.DurationSeconds)
	if err == sql.ErrNoRows {
		return CallLogRow{}, ErrNotFound
	}
	if err != nil {
		return CallLogRow{}, err
	}
	r.EndedAt = ended.String
	return r, nil
}
