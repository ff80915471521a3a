package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sony/gobreaker"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
)

// Store is the single-file embedded SQL backing for messages, dead-letter
// records, and the ack audit log. All mutations run inside a transaction;
// connections are pooled by database/sql but every statement here is
// short-lived and scoped to one operation, matching the "connections are
// short-lived" contract — nothing holds a transaction open across calls.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker
}

// Open creates (or attaches to) the database file at path, configures WAL
// journaling and a 30s busy timeout, and creates the schema if absent.
func Open(path string, logger *log.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers at the file level regardless of how many
	// connections database/sql hands out; cap the pool so contention is
	// resolved by sqlite's own busy_timeout rather than stacking retries.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-write",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("store write breaker state change", "from", from.String(), "to", to.String())
		},
	})

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BreakerOpen reports whether the store-write breaker is currently
// rejecting writes; the broker/store health check surfaces this.
func (s *Store) BreakerOpen() bool {
	return s.breaker.State() == gobreaker.StateOpen
}

// BreakerState exposes the raw gobreaker state for metrics gauges.
func (s *Store) BreakerState() gobreaker.State {
	return s.breaker.State()
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER DEFAULT 1,
			status TEXT DEFAULT 'pending',
			attempts INTEGER DEFAULT 0,
			max_attempts INTEGER DEFAULT 10,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL,
			scheduled_at REAL NOT NULL,
			expires_at REAL,
			last_error TEXT,
			checksum TEXT,
			ack_token TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id TEXT PRIMARY KEY,
			original_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			created_at REAL NOT NULL,
			dead_lettered_at REAL NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ack_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			ack_token TEXT NOT NULL,
			status TEXT NOT NULL,
			response TEXT,
			timestamp REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_priority ON messages(priority DESC, scheduled_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_scheduled ON messages(scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_checksum ON messages(checksum)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_topic ON dead_letter_queue(topic)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// withWriteTx runs fn inside a transaction, guarded by the store-write
// breaker so a wedged database file fails fast instead of
// queuing up blocked writers.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return nil, err
		}
		return nil, tx.Commit()
	})
	return err
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*1e9))
}

// ReclaimStaleInFlight reverts in-flight rows whose updated_at predates
// now-visibilityTimeout back to pending. Run once at startup for crash
// recovery, and periodically thereafter by the reclaim loop.
func (s *Store) ReclaimStaleInFlight(ctx context.Context, visibilityTimeout time.Duration, now time.Time) (int64, error) {
	cutoff := toUnix(now.Add(-visibilityTimeout))
	var affected int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET status='pending', ack_token=NULL, updated_at=?
			WHERE status='in_flight' AND updated_at < ?`, toUnix(now), cutoff)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// InsertMessage performs the Publish-time INSERT OR REPLACE.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	var expires sql.NullFloat64
	if m.ExpiresAt != nil {
		expires = sql.NullFloat64{Float64: toUnix(*m.ExpiresAt), Valid: true}
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO messages
			(id, topic, payload, priority, status, attempts, max_attempts,
			 created_at, updated_at, scheduled_at, expires_at, last_error,
			 checksum, ack_token, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Topic, string(m.Payload), int(m.Priority), string(m.Status),
			m.Attempts, m.MaxAttempts, toUnix(m.CreatedAt), toUnix(m.UpdatedAt),
			toUnix(m.ScheduledAt), expires, m.LastError, m.Checksum, m.AckToken, meta)
		return err
	})
}

// CountLive returns the number of rows in pending or in_flight status.
func (s *Store) CountLive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE status IN ('pending','in_flight')`).Scan(&n)
	return n, err
}

// CountInFlight returns the number of currently in-flight rows.
func (s *Store) CountInFlight(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE status='in_flight'`).Scan(&n)
	return n, err
}

// EvictOldestLowPriority deletes up to limit pending rows of priority <=
// PriorityNormal, oldest first, to make room under max_queue_size pressure.
func (s *Store) EvictOldestLowPriority(ctx context.Context, limit int) (int64, error) {
	var affected int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages
				WHERE status='pending' AND priority <= ?
				ORDER BY created_at ASC
				LIMIT ?
			)`, int(PriorityNormal), limit)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// FindByChecksumSince reports whether a live row with this checksum was
// created at or after `since`. Used as a durable fallback to the broker's
// in-memory dedup LRU (e.g. right after a restart, before the LRU warms).
func (s *Store) FindByChecksumSince(ctx context.Context, checksum string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE checksum = ? AND status IN ('pending','in_flight') AND created_at >= ?`,
		checksum, toUnix(since)).Scan(&n)
	return n > 0, err
}

// SelectAndLease atomically selects up to batchSize visible pending rows for
// topic and marks them in_flight with fresh ack tokens, all within a single
// transaction so concurrent callers never lease the same row twice. SQLite
// has no SELECT ... FOR UPDATE SKIP LOCKED; the mutex plus one exclusive
// writer connection (db.SetMaxOpenConns(1)) serializes it instead.
func (s *Store) SelectAndLease(ctx context.Context, topic string, batchSize int, now time.Time, mintToken func() string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, topic, payload, priority, status, attempts, max_attempts,
			       created_at, updated_at, scheduled_at, expires_at, last_error,
			       checksum, ack_token, metadata
			FROM messages
			WHERE topic = ? AND status = 'pending' AND scheduled_at <= ?
			  AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC
			LIMIT ?`, topic, toUnix(now), toUnix(now), batchSize)
		if err != nil {
			return err
		}
		var candidates []*Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, m)
		}
		rows.Close()

		for _, m := range candidates {
			token := mintToken()
			res, err := tx.ExecContext(ctx, `
				UPDATE messages SET status='in_flight', ack_token=?, updated_at=?
				WHERE id = ? AND status='pending'`, token, toUnix(now), m.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue // lost a race to eviction/cleanup between select and update
			}
			m.Status = StatusInFlight
			m.AckToken = token
			m.UpdatedAt = now
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var priority, attempts, maxAttempts int
	var status, payload, checksum, metadata string
	var lastError, ackToken sql.NullString
	var createdAt, updatedAt, scheduledAt float64
	var expiresAt sql.NullFloat64

	if err := rows.Scan(&m.ID, &m.Topic, &payload, &priority, &status, &attempts, &maxAttempts,
		&createdAt, &updatedAt, &scheduledAt, &expiresAt, &lastError, &checksum, &ackToken, &metadata); err != nil {
		return nil, err
	}
	m.Payload = []byte(payload)
	m.Priority = Priority(priority)
	m.Status = Status(status)
	m.Attempts = attempts
	m.MaxAttempts = maxAttempts
	m.CreatedAt = fromUnix(createdAt)
	m.UpdatedAt = fromUnix(updatedAt)
	m.ScheduledAt = fromUnix(scheduledAt)
	if expiresAt.Valid {
		t := fromUnix(expiresAt.Float64)
		m.ExpiresAt = &t
	}
	m.LastError = lastError.String
	m.Checksum = checksum
	m.AckToken = ackToken.String
	m.Metadata = decodeMetadata(metadata)
	return &m, nil
}

// GetInFlight fetches a single in-flight row by id for Ack/Nack token
// verification.
func (s *Store) GetInFlight(ctx context.Context, id string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, priority, status, attempts, max_attempts,
		       created_at, updated_at, scheduled_at, expires_at, last_error,
		       checksum, ack_token, metadata
		FROM messages WHERE id = ? AND status = 'in_flight'`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanMessage(rows)
}

// DeleteMessage removes a row by id (used on successful Ack).
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		return err
	})
}

// RescheduleForRetry applies the Nack(retry=true) row mutation.
func (s *Store) RescheduleForRetry(ctx context.Context, id string, attempts int, scheduledAt time.Time, lastError string, now time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status='pending', attempts=?, scheduled_at=?,
			       last_error=?, ack_token=NULL, updated_at=?
			WHERE id = ?`, attempts, toUnix(scheduledAt), lastError, toUnix(now), id)
		return err
	})
}

// MoveToDeadLetter deletes the live row and inserts a dead_letter_queue row
// transactionally, per moveToDeadLetter semantics.
func (s *Store) MoveToDeadLetter(ctx context.Context, rec *DeadLetterRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, rec.OriginalID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO dead_letter_queue
			(id, original_id, topic, payload, attempts, last_error, created_at, dead_lettered_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OriginalID, rec.Topic, string(rec.Payload), rec.Attempts,
			rec.LastError, toUnix(rec.CreatedAt), toUnix(rec.DeadLetteredAt), meta)
		return err
	})
}

// InsertAckLog appends an audit-trail row for Ack or Nack.
func (s *Store) InsertAckLog(ctx context.Context, e *AckLogEntry) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ack_log (message_id, ack_token, status, response, timestamp)
			VALUES (?, ?, ?, ?, ?)`, e.MessageID, e.AckToken, e.Outcome, e.Response, toUnix(e.Timestamp))
		return err
	})
}

// GetDeadLetter fetches a single dead-letter row by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetterRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, original_id, topic, payload, attempts, last_error, created_at, dead_lettered_at, metadata
		FROM dead_letter_queue WHERE id = ?`, id)
	return scanDeadLetter(row)
}

func scanDeadLetter(row *sql.Row) (*DeadLetterRecord, error) {
	var rec DeadLetterRecord
	var payload, metadata string
	var lastError sql.NullString
	var createdAt, deadLetteredAt float64
	if err := row.Scan(&rec.ID, &rec.OriginalID, &rec.Topic, &payload, &rec.Attempts,
		&lastError, &createdAt, &deadLetteredAt, &metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.Payload = []byte(payload)
	rec.LastError = lastError.String
	rec.CreatedAt = fromUnix(createdAt)
	rec.DeadLetteredAt = fromUnix(deadLetteredAt)
	rec.Metadata = decodeMetadata(metadata)
	return &rec, nil
}

// ListDeadLetters returns up to limit dead-letter rows, newest first,
// starting after offset, for the diagnostics surface.
func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_id, topic, payload, attempts, last_error, created_at, dead_lettered_at, metadata
		FROM dead_letter_queue ORDER BY dead_lettered_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var payload, metadata string
		var lastError sql.NullString
		var createdAt, deadLetteredAt float64
		if err := rows.Scan(&rec.ID, &rec.OriginalID, &rec.Topic, &payload, &rec.Attempts,
			&lastError, &createdAt, &deadLetteredAt, &metadata); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.LastError = lastError.String
		rec.CreatedAt = fromUnix(createdAt)
		rec.DeadLetteredAt = fromUnix(deadLetteredAt)
		rec.Metadata = decodeMetadata(metadata)
		out = append(out, &rec)
	}
	return out, nil
}

// DeleteDeadLetter removes a dead-letter row, used after a successful replay.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
		return err
	})
}

// CleanupExpired deletes pending/in_flight rows whose expires_at has
// elapsed, returning the count removed.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, toUnix(now))
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// CleanupAckLogs trims ack_log rows older than retention.
func (s *Store) CleanupAckLogs(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	cutoff := toUnix(now.Add(-olderThan))
	var affected int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ack_log WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}
