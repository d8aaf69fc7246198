// Package duckdb persists accepted envelopes to an embedded DuckDB database
// and serves the read side used by the admin surfaces.
package duckdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"golang.org/x/sync/semaphore"

	"github.com/tinytelemetry/ingress/internal/duckdb/migrate"
)

// DefaultMaxConcurrentQueries bounds read queries running at once.
const DefaultMaxConcurrentQueries = 8

// Store manages the DuckDB database connection and provides query methods.
type Store struct {
	db            *sql.DB
	mu            sync.RWMutex
	dbPath        string
	schemaVersion int
	readSem       *semaphore.Weighted
	QueryTimeout  time.Duration
}

// NewStore opens or creates a DuckDB database.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	runner := migrate.NewRunner(db)
	if err := runner.Run(ctx); err != nil {
		db.Close()
		return nil, err
	}
	version, err := runner.Current(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	return &Store{
		db:            db,
		dbPath:        dbPath,
		schemaVersion: version,
		readSem:       semaphore.NewWeighted(DefaultMaxConcurrentQueries),
		QueryTimeout:  qt,
	}, nil
}

// SetMaxConcurrentQueries replaces the read concurrency bound. Call it
// before the store starts serving queries.
func (s *Store) SetMaxConcurrentQueries(n int) {
	if n <= 0 {
		n = DefaultMaxConcurrentQueries
	}
	s.readSem = semaphore.NewWeighted(int64(n))
}

// readCtx acquires a read slot and returns a context bounded by the query
// timeout. The returned func releases both.
func (s *Store) readCtx() (context.Context, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	sem := s.readSem
	if err := sem.Acquire(ctx, 1); err != nil {
		cancel()
		return nil, nil, err
	}
	s.mu.RLock()
	return ctx, func() {
		s.mu.RUnlock()
		sem.Release(1)
		cancel()
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}
