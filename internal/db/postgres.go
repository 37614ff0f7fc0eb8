// Package db is the Postgres persistence layer: tenant accounts and
// usage accounting, the curated entity registry, and the analytics
// write path for traced transactions, flow paths, and assessments.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is compiled into the binary at build time, so schema init
// works inside the runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for TokenFlow Analytics")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements. Every
// statement is idempotent, so restarts against an initialized database
// are safe.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("TokenFlow Analytics schema initialized")
	return nil
}

// Ping verifies the pool is still reachable; used by the health check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetPool exposes the connection pool for auxiliary tooling.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
