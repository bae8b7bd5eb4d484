package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/beegramm/beegram/internal/model"
)

// CallFilter narrows ListCalls. Zero values match everything.
type CallFilter struct {
	PeerUserID int64
	Outcome    model.CallOutcome
	Limit      int
	Offset     int
}

// RecordCall stores a finished call session. Recording the same session
// twice keeps the first record.
func (db *DB) RecordCall(ctx context.Context, r model.CallRecord) error {
	var connected sql.NullInt64
	if !r.ConnectedAt.IsZero() {
		connected = sql.NullInt64{Int64: r.ConnectedAt.UnixMilli(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO call_log (id, chat_id, peer_user_id, direction, outcome, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.ChatID, r.PeerUserID, string(r.Direction), string(r.Outcome),
		r.StartedAt.UnixMilli(), connected, r.EndedAt.UnixMilli())
	return err
}

// ListCalls returns calls newest first.
func (db *DB) ListCalls(ctx context.Context, f CallFilter) ([]model.CallRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, peer_user_id, direction, outcome, started_at, connected_at, ended_at
		FROM call_log
		WHERE (? = 0 OR peer_user_id = ?)
		  AND (? = '' OR outcome = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?`,
		f.PeerUserID, f.PeerUserID, string(f.Outcome), string(f.Outcome), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.CallRecord
	for rows.Next() {
		var (
			r              model.CallRecord
			dir, outcome   string
			started, ended int64
			connected      sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ChatID, &r.PeerUserID, &dir, &outcome, &started, &connected, &ended); err != nil {
			return nil, err
		}
		r.Direction = model.CallDirection(dir)
		r.Outcome = model.CallOutcome(outcome)
		r.StartedAt = time.UnixMilli(started).UTC()
		r.EndedAt = time.UnixMilli(ended).UTC()
		if connected.Valid {
			r.ConnectedAt = time.UnixMilli(connected.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountMissed returns incoming calls that were missed since the given time.
func (db *DB) CountMissed(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM call_log
		WHERE outcome = ? AND started_at >= ?`,
		string(model.OutcomeMissed), since.UnixMilli()).Scan(&n)
	return n, err
}
