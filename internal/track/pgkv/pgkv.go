// Package pgkv provides a PostgreSQL implementation of track.KV backed by
// a single jsonb table with prefix listing.
package pgkv

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/firewatch/internal/track/pgkv")

//go:embed schema.sql
var schema string

// Store persists tracking values in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned
// by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ctx, span := tracer.Start(ctx, "pgkv.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var value json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT value FROM tracking WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "pgkv.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracking (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "pgkv.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM tracking WHERE key = $1`, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListPrefix returns all values whose key starts with prefix.
func (s *Store) ListPrefix(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "pgkv.ListPrefix", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	// LIKE wildcards never appear in our key namespace, so a plain
	// prefix pattern is safe here.
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM tracking WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key   string
			value json.RawMessage
		)
		if err := rows.Scan(&key, &value); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan %s row: %w", prefix, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate %s rows: %w", prefix, err)
	}
	return out, nil
}
