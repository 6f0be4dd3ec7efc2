// Package ledger is the durable log of authentication attempts. Reads
// back the attempted set for a (source, target, port) so repeat runs
// skip combinations already tried; writes are batched off the scan's
// hot path.
package ledger

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gustycube/sshmap/internal/types"
)

const (
	batchMax   = 64
	flushEvery = 500 * time.Millisecond
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ssh_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_hostname TEXT NOT NULL,
	target_hostname TEXT NOT NULL,
	target_ip TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	username TEXT NOT NULL,
	method TEXT NOT NULL,
	credential TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempt_lookup
ON ssh_attempts(source_hostname, target_ip, target_port, username, method, credential);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ssh_attempts (
	id BIGSERIAL PRIMARY KEY,
	source_hostname TEXT NOT NULL,
	target_hostname TEXT NOT NULL,
	target_ip TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	username TEXT NOT NULL,
	method TEXT NOT NULL,
	credential TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempt_lookup
ON ssh_attempts(source_hostname, target_ip, target_port, username, method, credential);
`

type Store struct {
	db     *sqlx.DB
	driver string
	log    *zap.SugaredLogger

	in     chan types.AttemptRecord
	flush  chan chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// SQLiteDSN builds a DSN for a ledger file with WAL journaling and a
// busy timeout, so many trial goroutines can append concurrently.
func SQLiteDSN(path string) string {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_busy_timeout", "5000")
	v.Set("_synchronous", "NORMAL")
	return "file:" + path + "?" + v.Encode()
}

// Open connects, migrates the schema, and starts the background writer.
// The initial ping retries with backoff so a ledger on a slow-starting
// database does not abort the run spuriously.
func Open(driver, dsn string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger open %s: %w", driver, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error { return db.Ping() }, bo); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger ping: %w", err)
	}

	schema := sqliteSchema
	if driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		log:    log,
		in:     make(chan types.AttemptRecord, 1024),
		flush:  make(chan chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Record queues one attempt for the background writer. Blocks only when
// the buffer is full, and gives up on context cancellation.
func (s *Store) Record(ctx context.Context, rec types.AttemptRecord) {
	if s.closed.Load() {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case s.in <- rec:
	case <-ctx.Done():
	case <-s.quit:
	}
}

func (s *Store) writer() {
	var buf []types.AttemptRecord
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	write := func() {
		if len(buf) == 0 {
			return
		}
		if err := s.insert(buf); err != nil {
			s.log.Warnw("ledger write failed", "records", len(buf), "err", err)
		}
		buf = buf[:0]
	}

	drain := func() {
		for {
			select {
			case rec := <-s.in:
				buf = append(buf, rec)
			default:
				return
			}
		}
	}

	for {
		select {
		case rec := <-s.in:
			buf = append(buf, rec)
			if len(buf) >= batchMax {
				write()
			}
		case ack := <-s.flush:
			// Pick up whatever is already queued before acknowledging
			drain()
			write()
			close(ack)
		case <-ticker.C:
			write()
		case <-s.quit:
			drain()
			write()
			close(s.done)
			return
		}
	}
}

func (s *Store) insert(recs []types.AttemptRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	const q = `INSERT INTO ssh_attempts
		(source_hostname, target_hostname, target_ip, target_port, username, method, credential, success, timestamp)
		VALUES (:source_hostname, :target_hostname, :target_ip, :target_port, :username, :method, :credential, :success, :timestamp)`
	for _, rec := range recs {
		if _, err := tx.NamedExecContext(ctx, q, rec); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Flush blocks until every queued record has been written.
func (s *Store) Flush() {
	if s.closed.Load() {
		return
	}
	ack := make(chan struct{})
	select {
	case s.flush <- ack:
		<-ack
	case <-s.done:
	}
}

// Close flushes outstanding records and releases the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)
	<-s.done
	return s.db.Close()
}

type attemptedRow struct {
	User   string `db:"username"`
	Method string `db:"method"`
	Secret string `db:"credential"`
}

// AttemptKey is the per-target dedup identity of one credential trial.
func AttemptKey(user, method, secret string) string {
	return user + "|" + method + "|" + secret
}

// AttemptedSet returns every (user, method, secret) combination already
// tried from source against targetIP:port, keyed by AttemptKey. Loaded
// once before an attack batch launches.
func (s *Store) AttemptedSet(ctx context.Context, source, targetIP string, port int) (map[string]struct{}, error) {
	q := s.db.Rebind(`SELECT DISTINCT username, method, credential
		FROM ssh_attempts
		WHERE source_hostname = ? AND target_ip = ? AND target_port = ?`)

	var rows []attemptedRow
	if err := s.db.SelectContext(ctx, &rows, q, source, targetIP, port); err != nil {
		return nil, fmt.Errorf("ledger attempted set: %w", err)
	}
	set := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		set[AttemptKey(r.User, r.Method, r.Secret)] = struct{}{}
	}
	return set, nil
}

// Count reports the total number of recorded attempts. Used by health
// checks and end-of-run summaries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM ssh_attempts"); err != nil {
		return 0, fmt.Errorf("ledger count: %w", err)
	}
	return n, nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
