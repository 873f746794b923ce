// Package storage contains the PostgreSQL implementation of DocumentStore.
// The agent document is held in a single named row; saves are last-write-wins
// upserts, matching the file backend's wholesale-replace semantics.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

const documentName = "agents"

type postgres struct {
	db *sql.DB
}

// NewPostgres creates a DocumentStore backed by PostgreSQL with connection
// pooling. It pings the database and bootstraps the schema before returning.
func NewPostgres(dsn string) (DocumentStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		return nil, err
	}

	return &postgres{db: db}, nil
}

// DB returns the underlying *sql.DB connection pool. Used by the readiness
// handler to ping the database.
func (p *postgres) DB() *sql.DB {
	return p.db
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	const q = `CREATE TABLE IF NOT EXISTS documents (
		name TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *postgres) Load(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT doc FROM documents WHERE name = $1`
	var doc []byte
	err := p.db.QueryRowContext(ctx, q, documentName).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

func (p *postgres) Save(ctx context.Context, doc []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO documents (name, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`
	if _, err := p.db.ExecContext(ctx, q, documentName, doc); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}
