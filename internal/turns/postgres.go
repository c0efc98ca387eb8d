package turns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the turn log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTurnSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTurnSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			text TEXT NOT NULL,
			embedding_ref TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_conv_seq ON turns (conversation_id, sequence);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_block_seq ON turns (block_id, sequence);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init turn schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.TurnID == "" {
		record.TurnID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	// ON CONFLICT DO NOTHING keeps retried turns idempotent.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (turn_id, conversation_id, block_id, sequence, timestamp, text, embedding_ref)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (turn_id) DO NOTHING`,
		record.TurnID, record.ConversationID, record.BlockID,
		int64(record.Sequence), record.Timestamp, record.Text, record.EmbeddingRef)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, conversationID, turnID string) (TurnRecord, error) {
	var rec TurnRecord
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT turn_id, conversation_id, block_id, sequence, timestamp, text, embedding_ref
		 FROM turns WHERE turn_id=$1 AND conversation_id=$2`,
		turnID, conversationID).Scan(
		&rec.TurnID, &rec.ConversationID, &rec.BlockID, &seq, &rec.Timestamp, &rec.Text, &rec.EmbeddingRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return TurnRecord{}, ErrNotFound
	}
	if err != nil {
		return TurnRecord{}, fmt.Errorf("query turn: %w", err)
	}
	rec.Sequence = uint64(seq)
	return rec, nil
}

func (s *PostgresStore) ListByBlock(ctx context.Context, conversationID, blockID string) ([]TurnRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT turn_id, conversation_id, block_id, sequence, timestamp, text, embedding_ref
		 FROM turns WHERE conversation_id=$1 AND block_id=$2 ORDER BY sequence ASC`,
		conversationID, blockID)
	if err != nil {
		return nil, fmt.Errorf("query block turns: %w", err)
	}
	return collectTurns(rows)
}

func (s *PostgresStore) Recent(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT turn_id, conversation_id, block_id, sequence, timestamp, text, embedding_ref
		 FROM turns WHERE conversation_id=$1 ORDER BY sequence DESC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	items, err := collectTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectTurns(rows pgx.Rows) ([]TurnRecord, error) {
	defer rows.Close()
	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var seq int64
		if err := rows.Scan(&rec.TurnID, &rec.ConversationID, &rec.BlockID, &seq,
			&rec.Timestamp, &rec.Text, &rec.EmbeddingRef); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		rec.Sequence = uint64(seq)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}
