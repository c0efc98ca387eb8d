package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists profile attributes in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initProfileSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initProfileSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profile (
			scope_id TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_sequence BIGINT NOT NULL,
			PRIMARY KEY (scope_id, attribute)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init profile schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Apply(ctx context.Context, scopeID, attribute, value string, sequence uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profile (scope_id, attribute, value, updated_sequence)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (scope_id, attribute) DO UPDATE
		 SET value=EXCLUDED.value, updated_sequence=EXCLUDED.updated_sequence
		 WHERE profile.updated_sequence <= EXCLUDED.updated_sequence`,
		scopeID, attribute, value, int64(sequence))
	if err != nil {
		return fmt.Errorf("apply profile attribute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, scopeID string) (Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT attribute, value, updated_sequence FROM profile WHERE scope_id=$1`,
		scopeID)
	if err != nil {
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	defer rows.Close()

	out := Profile{ScopeID: scopeID, Attributes: make(map[string]Entry)}
	for rows.Next() {
		var attr, value string
		var seq int64
		if err := rows.Scan(&attr, &value, &seq); err != nil {
			return Profile{}, fmt.Errorf("scan profile row: %w", err)
		}
		out.Attributes[attr] = Entry{Value: value, UpdatedSequence: uint64(seq)}
	}
	if err := rows.Err(); err != nil {
		return Profile{}, fmt.Errorf("iterate profile rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
