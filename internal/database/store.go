package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// ErrDuplicateEmail is returned by InsertSubmission when the email column's
// unique index rejects the row. Callers translate it into a conflict
// response; the store itself stays transport-agnostic.
var ErrDuplicateEmail = errors.New("database: duplicate email")

// Store wraps the Postgres pool behind the persistence operations the
// pipeline and collectors need. All queries are context-bound.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore opens a Postgres pool and verifies connectivity before returning.
func NewStore(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[DATABASE] ", log.LstdFlags),
	}, nil
}

// DB exposes the underlying pool so sibling stores (blocklist) can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports pool health for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// failure (class 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// nullStr maps empty strings to SQL NULL so partial indexes stay sparse.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// strOrEmpty unwraps a nullable text column.
func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
