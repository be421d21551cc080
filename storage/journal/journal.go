// Package journal keeps an append-only SQLite record of ledger events and of
// the gateway's idempotent responses.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"batpay/core/events"
	"batpay/core/types"
)

// ErrIdempotencyConflict indicates a key is reused with a different payload.
var ErrIdempotencyConflict = errors.New("idempotency key conflict")

const defaultLimit = 100

// Journal persists ledger events and implements events.Emitter.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or reopens the journal at path. Use ":memory:" for a
// throwaway database.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            height INTEGER NOT NULL,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_type_height ON events(type, height);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            key TEXT PRIMARY KEY,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Entry is a journaled event.
type Entry struct {
	ID         int64             `json:"id"`
	Height     uint64            `json:"height"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Emit appends events that carry a wire payload. Failures are logged; the
// ledger has already committed by the time events are emitted.
func (j *Journal) Emit(evt events.Event) {
	p, ok := evt.(events.Payload)
	if !ok {
		return
	}
	if err := j.Append(context.Background(), p.Event()); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
	}
}

// Append writes one event.
func (j *Journal) Append(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO events(height, type, attributes, recorded_at) VALUES (?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, stmt, int64(evt.Height), evt.Type, string(encoded), j.now())
	return err
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	// Type matches exactly, or by prefix when it ends in '*'.
	Type       string
	FromHeight uint64
	ToHeight   uint64
	AfterID    int64
	Limit      int
}

// Query returns journaled events in append order.
func (j *Journal) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Type != "" {
		if prefix, ok := strings.CutSuffix(f.Type, "*"); ok {
			where = append(where, "type LIKE ?")
			args = append(args, prefix+"%")
		} else {
			where = append(where, "type = ?")
			args = append(args, f.Type)
		}
	}
	if f.FromHeight > 0 {
		where = append(where, "height >= ?")
		args = append(args, int64(f.FromHeight))
	}
	if f.ToHeight > 0 {
		where = append(where, "height <= ?")
		args = append(args, int64(f.ToHeight))
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 10*defaultLimit {
		limit = defaultLimit
	}
	query := `SELECT id, height, type, attributes, recorded_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT %d", limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var (
			entry  Entry
			height int64
			attrs  string
		)
		if err := rows.Scan(&entry.ID, &height, &entry.Type, &attrs, &entry.RecordedAt); err != nil {
			return nil, err
		}
		entry.Height = uint64(height)
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes of event %d: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// StoredResponse captures an idempotent response.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the response saved under key, nil when unseen.
func (j *Journal) LookupIdempotency(ctx context.Context, key, hash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE key = ?`
	row := j.db.QueryRowContext(ctx, query, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != hash {
		return nil, ErrIdempotencyConflict
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (j *Journal) SaveIdempotency(ctx context.Context, key, hash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, stmt, key, hash, status, body, j.now())
	return err
}
