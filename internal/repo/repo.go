package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowstate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Session is a stored simulation session: its latest snapshot plus the
// denormalised day and phase for listing.
type Session struct {
	ID        string          `json:"id"`
	Chapter   string          `json:"chapter"`
	Day       int             `json:"day"`
	Phase     domain.Phase    `json:"phase"`
	Snapshot  domain.Snapshot `json:"-"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// StoredEvent is an engine event as recorded in the event log.
type StoredEvent struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	TS        string `json:"ts"`
	domain.Event
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SaveSession inserts or replaces the session snapshot.
func (r Repo) SaveSession(ctx context.Context, s Session) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.SaveSessionTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) SaveSessionTx(ctx context.Context, tx *sql.Tx, s Session) error {
	data, err := json.Marshal(s.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ts := now()
	if s.CreatedAt == "" {
		s.CreatedAt = ts
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(id,chapter,day,phase,snapshot_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET chapter=excluded.chapter, day=excluded.day, phase=excluded.phase, snapshot_json=excluded.snapshot_json, updated_at=excluded.updated_at`,
		s.ID, s.Snapshot.Calendar.Chapter, s.Snapshot.Day, string(s.Snapshot.Phase), string(data), s.CreatedAt, ts)
	return err
}

const sessionColumns = `id,chapter,day,phase,snapshot_json,created_at,updated_at`

func scanSession(scan func(dest ...any) error) (Session, error) {
	var s Session
	var phase, data string
	if err := scan(&s.ID, &s.Chapter, &s.Day, &phase, &data, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Phase = domain.Phase(phase)
	if err := json.Unmarshal([]byte(data), &s.Snapshot); err != nil {
		return s, fmt.Errorf("decode snapshot for session %s: %w", s.ID, err)
	}
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// LatestSession returns the most recently updated session.
func (r Repo) LatestSession(ctx context.Context) (Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, rowid DESC LIMIT 1`)
	return scanSession(row.Scan)
}

func (r Repo) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeleteSession removes the session and, through the foreign key, its events.
func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventFilters narrows an event query. Zero values match everything.
type EventFilters struct {
	SessionID string
	Type      string
	ItemID    string
	Day       int
	Limit     int
}

// LatestEvents returns the newest matching events in chronological order.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]StoredEvent, error) {
	where, args := eventWhere(f, 0)
	query := fmt.Sprintf(`SELECT id,session_id,seq,ts,day,type,COALESCE(item_id,''),payload_json FROM events %s ORDER BY seq DESC LIMIT ?`, where)
	args = append(args, limitOrDefault(f.Limit))
	res, err := r.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// EventsAfter returns events with a sequence greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, f EventFilters) ([]StoredEvent, error) {
	where, args := eventWhere(f, cursor)
	query := fmt.Sprintf(`SELECT id,session_id,seq,ts,day,type,COALESCE(item_id,''),payload_json FROM events %s ORDER BY seq ASC LIMIT ?`, where)
	args = append(args, limitOrDefault(f.Limit))
	return r.queryEvents(ctx, query, args...)
}

// LatestEventSeq returns the highest recorded sequence for a session.
func (r Repo) LatestEventSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE session_id=?`, sessionID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func eventWhere(f EventFilters, cursor int64) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ItemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, f.ItemID)
	}
	if f.Day > 0 {
		clauses = append(clauses, "day=?")
		args = append(args, f.Day)
	}
	if cursor > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, cursor)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]StoredEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.TS, &e.Day, &typ, &e.ItemID, &payload); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
