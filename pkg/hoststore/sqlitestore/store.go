// Package sqlitestore provides a SQLite-backed hoststore.Store. Several
// processes may open the same database file: every mutation is appended to a
// change log, and each store polls that log for rows written by other
// instances and republishes them to its own subscribers.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/hoststore/sqlitestore/migrations"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultRetention    = 10 * time.Minute
	pollBatch           = 500
)

// Store persists host key-value state in SQLite.
type Store struct {
	sqlDB     *sql.DB
	feed      *hoststore.Feed
	writer    string
	log       *slog.Logger
	interval  time.Duration
	retention time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

var _ hoststore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often the change log is polled for writes made
// by other instances.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetention sets how long change log rows are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the logger used by the poller.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithWriterID overrides the random instance identifier recorded with every
// change this store writes.
func WithWriterID(id string) Option {
	return func(s *Store) {
		if id != "" {
			s.writer = id
		}
	}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite host store at path, applies migrations and starts the
// change log poller.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	s := &Store{
		feed:      hoststore.NewFeed(),
		writer:    uuid.NewString(),
		log:       slog.Default(),
		interval:  defaultPollInterval,
		retention: defaultRetention,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s.sqlDB = sqlDB

	last, err := s.lastSeq(context.Background())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.poll(ctx, last)

	return s, nil
}

func applyMigrations(sqlDB *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}

	// m.Close would close sqlDB through the driver; the store owns it.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// WriterID returns the identifier recorded with this instance's writes.
func (s *Store) WriterID() string { return s.writer }

// Close stops the poller, ends all subscriptions and closes the database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.stop()
		<-s.done
		s.feed.Close()
		err = s.sqlDB.Close()
	})

	return err
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if s.closed.Load() {
		return hoststore.ErrClosed
	}

	return nil
}

// Get returns the stored value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}

	var value string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}

	return value, true, nil
}

// Set stores value under key and records the change. Writing the value a key
// already holds records nothing.
func (s *Store) Set(ctx context.Context, key, value, origin string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if key == "" {
		return hoststore.ErrEmptyKey
	}

	now := time.Now().UTC()
	newValue := value

	var change *hoststore.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, existed, err := readValue(ctx, tx, key)
		if err != nil {
			return err
		}
		if existed && old == value {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, toMillis(now),
		); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}

		c := hoststore.Change{Key: key, NewValue: &newValue, Origin: origin, At: now}
		if existed {
			c.OldValue = &old
		}
		if err := s.appendChange(ctx, tx, c); err != nil {
			return err
		}
		change = &c

		return nil
	})
	if err != nil {
		return err
	}

	if change != nil {
		s.publish(ctx, *change)
	}

	return nil
}

// Delete removes key and records the change.
func (s *Store) Delete(ctx context.Context, key, origin string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()

	var change *hoststore.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, existed, err := readValue(ctx, tx, key)
		if err != nil {
			return err
		}
		if !existed {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}

		c := hoststore.Change{Key: key, OldValue: &old, Origin: origin, At: now}
		if err := s.appendChange(ctx, tx, c); err != nil {
			return err
		}
		change = &c

		return nil
	})
	if err != nil {
		return err
	}

	if change != nil {
		s.publish(ctx, *change)
	}

	return nil
}

// Keys returns all keys in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	return keys, nil
}

// Subscribe registers for change notifications, local and remote.
func (s *Store) Subscribe(bufSize int) *hoststore.Subscription {
	return s.feed.Subscribe(bufSize)
}

// Unsubscribe removes a subscription.
func (s *Store) Unsubscribe(sub *hoststore.Subscription) {
	s.feed.Unsubscribe(sub)
}

func (s *Store) publish(ctx context.Context, c hoststore.Change) {
	if held := s.feed.Publish(c); held > 0 {
		s.log.WarnContext(ctx, "change held back for slow subscribers", "key", c.Key, "subscribers", held)
	}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func readValue(ctx context.Context, tx *sql.Tx, key string) (string, bool, error) {
	var value string
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %q: %w", key, err)
	}

	return value, true, nil
}

func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, c hoststore.Change) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv_changes (key, old_value, new_value, origin, writer, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Key, nullString(c.OldValue), nullString(c.NewValue), c.Origin, s.writer, toMillis(c.At),
	)
	if err != nil {
		return fmt.Errorf("record change %q: %w", c.Key, err)
	}

	return nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *v, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}

	s := v.String
	return &s
}
