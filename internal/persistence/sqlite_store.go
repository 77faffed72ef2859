package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteEventStore is an EventStore backed by SQLite via database/sql.
// It gives the bus durable history and replay without any external
// infrastructure: streams and dead letters are bounded tables, the
// timeline is a scored index, and the key/value table carries expiry
// timestamps checked on read.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

// NewSQLiteEventStore creates the store and its schema. The caller owns
// the *sql.DB (opened with the "sqlite" driver, e.g. modernc.org/sqlite).
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS event_streams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream TEXT NOT NULL,
			blob BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_streams_stream ON event_streams(stream, id);

		CREATE TABLE IF NOT EXISTS event_timelines (
			timeline TEXT NOT NULL,
			member TEXT NOT NULL,
			score INTEGER NOT NULL,
			PRIMARY KEY (timeline, member)
		);
		CREATE INDEX IF NOT EXISTS idx_event_timelines_score ON event_timelines(timeline, score);

		CREATE TABLE IF NOT EXISTS event_kv (
			key TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			blob BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendStream(ctx context.Context, streamKey string, blob []byte, maxLen int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO event_streams (stream, blob) VALUES (?, ?)`,
		streamKey, blob,
	); err != nil {
		return err
	}
	if maxLen <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM event_streams
		WHERE stream = ? AND id NOT IN (
			SELECT id FROM event_streams WHERE stream = ? ORDER BY id DESC LIMIT ?
		)`, streamKey, streamKey, maxLen)
	return err
}

func (s *SQLiteEventStore) AddToTimeline(ctx context.Context, timelineKey string, score int64, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_timelines (timeline, member, score) VALUES (?, ?, ?)
		ON CONFLICT(timeline, member) DO UPDATE SET score = excluded.score`,
		timelineKey, member, score)
	return err
}

func (s *SQLiteEventStore) SetWithTTL(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_kv (key, blob, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, expires_at = excluded.expires_at`,
		key, blob, expiresAt)
	return err
}

func (s *SQLiteEventStore) RangeByScore(ctx context.Context, timelineKey string, min, max int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member FROM event_timelines
		WHERE timeline = ? AND score BETWEEN ? AND ?
		ORDER BY score ASC, member ASC`, timelineKey, min, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteEventStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		blob      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, expires_at FROM event_kv WHERE key = ?`, key,
	).Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		// Expired entries are dropped lazily on read.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM event_kv WHERE key = ?`, key)
		return nil, ErrNotFound
	}
	return blob, nil
}

func (s *SQLiteEventStore) PushDeadLetter(ctx context.Context, dlqKey string, blob []byte, maxLen int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (queue, blob) VALUES (?, ?)`,
		dlqKey, blob,
	); err != nil {
		return err
	}
	if maxLen <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letters
		WHERE queue = ? AND id NOT IN (
			SELECT id FROM dead_letters WHERE queue = ? ORDER BY id DESC LIMIT ?
		)`, dlqKey, dlqKey, maxLen)
	return err
}

func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
