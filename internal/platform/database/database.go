package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Pool sizing per spec.md §5: the DB connection pool is the only shared
// mutable resource of significance across the factory's tasks, sized wide
// since the fleet manager, dispatcher, completion watcher, NFT sync, NFT
// minter, and the HTTP server all hold the same *sql.DB concurrently.
const (
	minOpenConns = 10
	maxOpenConns = 10000
)

// Open establishes a PostgreSQL connection using the provided DSN and
// verifies connectivity with a ping, no pre-acquire health check beyond
// that (spec.md §5). The returned *sql.DB must be closed by the caller.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(minOpenConns)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
