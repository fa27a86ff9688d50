package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage keeps records in a single table with a unique
// (namespace, key_hash) pair. Create-if-absent is INSERT ... ON CONFLICT DO
// NOTHING; the versioned update is a plain UPDATE guarded by version in the
// WHERE clause.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS idempotency_records (
//	    namespace   TEXT NOT NULL,
//	    key_hash    TEXT NOT NULL,
//	    record      JSONB NOT NULL,
//	    version     INT NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (namespace, key_hash)
//	);
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage opens a connection pool with the given DSN.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("idempotency: postgres ping: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

// NewPostgresStorageFromDB wraps an existing pool (used by tests).
func NewPostgresStorageFromDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (p *PostgresStorage) Close() error { return p.db.Close() }

func (p *PostgresStorage) CreateIfAbsent(ctx context.Context, rec *Record) (bool, *Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: marshal record: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (namespace, key_hash, record, version, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, key_hash) DO NOTHING`,
		rec.Namespace, rec.KeyHash, raw, rec.Version, rec.ExpiresAt)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil, nil
	}
	existing, err := p.Get(ctx, rec.Namespace, rec.KeyHash)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, nil, fmt.Errorf("idempotency: record vanished during create")
	}
	return false, existing, nil
}

func (p *PostgresStorage) Get(ctx context.Context, namespace, keyHash string) (*Record, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT record FROM idempotency_records
		WHERE namespace = $1 AND key_hash = $2`,
		namespace, keyHash).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: select: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStorage) UpdateIfVersion(ctx context.Context, rec *Record, expectedVersion int) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal record: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET record = $1, version = $2, expires_at = $3
		WHERE namespace = $4 AND key_hash = $5 AND version = $6`,
		raw, rec.Version, rec.ExpiresAt, rec.Namespace, rec.KeyHash, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("idempotency: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency: rows affected: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresStorage) Delete(ctx context.Context, namespace, keyHash string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE namespace = $1 AND key_hash = $2`,
		namespace, keyHash)
	if err != nil {
		return fmt.Errorf("idempotency: delete: %w", err)
	}
	return nil
}

func (p *PostgresStorage) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency: rows affected: %w", err)
	}
	return int(n), nil
}
