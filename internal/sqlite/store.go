// Package sqlite is the feed's storage engine: a capacity-bounded, ranked
// post index plus the firehose position, kept in a single SQLite file.
//
// Every long-running task opens its own Store on the same file. The
// database runs in WAL mode so readers never block, and writers wait out
// each other's locks up to the busy timeout.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// Ranking holds the tuned constants of the read-time rank expression
//
//	(score + Base) / (1 + Decay * age_hours^2) + (seed + len(uri) * ShuffleMult) % ShuffleMod
type Ranking struct {
	Base        float64
	Decay       float64
	ShuffleMult int64
	ShuffleMod  int64
}

// Options configures a Store.
type Options struct {
	// MaxPosts is the soft cap on stored posts.
	MaxPosts int

	// CompactEvery is how many inserts may happen between compactions, so
	// the table can exceed MaxPosts by up to this many rows.
	CompactEvery int

	Ranking Ranking

	BusyTimeout time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		MaxPosts:     100_000,
		CompactEvery: 1000,
		Ranking: Ranking{
			Base:        10,
			Decay:       0.02,
			ShuffleMult: 7,
			ShuffleMod:  3,
		},
		BusyTimeout: 5 * time.Second,
	}
}

func (o Options) validate() error {
	if o.MaxPosts < 1 {
		return fmt.Errorf("max posts must be positive, got %d", o.MaxPosts)
	}
	if o.CompactEvery < 1 {
		return fmt.Errorf("compact interval must be positive, got %d", o.CompactEvery)
	}
	if o.Ranking.ShuffleMod < 1 {
		return fmt.Errorf("shuffle modulus must be positive, got %d", o.Ranking.ShuffleMod)
	}
	if o.Ranking.Decay < 0 {
		return fmt.Errorf("decay must not be negative, got %v", o.Ranking.Decay)
	}
	return nil
}

// Store implements the domain repositories on SQLite.
type Store struct {
	db   *sql.DB
	opts Options

	// inserts counts new rows since the last compaction.
	inserts atomic.Int64
}

// Open opens (creating if needed) the database at path, applies migrations
// and returns a Store holding one connection. The caller should call Close
// when the store is no longer needed.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// New wraps an already-migrated database handle.
func New(db *sql.DB, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Store{db: db, opts: opts}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
