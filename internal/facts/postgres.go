package facts

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

// PostgresStore persists fact records in PostgreSQL. Per-key serialization
// relies on row locks taken inside the upsert transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initFactSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initFactSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			fact_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			effective_from_sequence BIGINT NOT NULL,
			superseded_at_sequence BIGINT NULL,
			source_turn_id TEXT NOT NULL DEFAULT '',
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			policy_flagged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_conv_key_seq
			ON facts (conversation_id, key, effective_from_sequence);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_conv_current
			ON facts (conversation_id, key) WHERE superseded_at_sequence IS NULL;`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init fact schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, a Assertion) (FactRecord, error) {
	observedAt := a.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FactRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotent replay of a retried turn.
	var existing FactRecord
	err = scanRecord(tx.QueryRow(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE conversation_id=$1 AND key=$2 AND effective_from_sequence=$3
		 FOR UPDATE`,
		a.ConversationID, a.Key, int64(a.Sequence)), &existing)
	if err == nil {
		_, err = tx.Exec(ctx,
			`UPDATE facts SET value=$1, source_turn_id=$2, pinned=$3, policy_flagged=$4 WHERE fact_id=$5`,
			a.Value, a.SourceTurnID, a.Pinned, a.PolicyFlagged, existing.FactID)
		if err != nil {
			return FactRecord{}, fmt.Errorf("replay upsert: %w", err)
		}
		existing.Value = a.Value
		existing.SourceTurnID = a.SourceTurnID
		existing.Pinned = a.Pinned
		existing.PolicyFlagged = a.PolicyFlagged
		if err := tx.Commit(ctx); err != nil {
			return FactRecord{}, fmt.Errorf("commit tx: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return FactRecord{}, fmt.Errorf("lookup existing fact: %w", err)
	}

	// The new interval ends where the next record (if any) begins, and
	// closes the previous record's interval at the new sequence.
	var supersededAt *uint64
	var nextFrom int64
	err = tx.QueryRow(ctx,
		`SELECT effective_from_sequence FROM facts
		 WHERE conversation_id=$1 AND key=$2 AND effective_from_sequence > $3
		 ORDER BY effective_from_sequence ASC LIMIT 1 FOR UPDATE`,
		a.ConversationID, a.Key, int64(a.Sequence)).Scan(&nextFrom)
	switch {
	case err == nil:
		next := uint64(nextFrom)
		supersededAt = &next
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return FactRecord{}, fmt.Errorf("lookup next fact: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE facts SET superseded_at_sequence=$1
		 WHERE conversation_id=$2 AND key=$3
		   AND effective_from_sequence = (
			SELECT MAX(effective_from_sequence) FROM facts
			WHERE conversation_id=$2 AND key=$3 AND effective_from_sequence < $4)`,
		int64(a.Sequence), a.ConversationID, a.Key, int64(a.Sequence))
	if err != nil {
		return FactRecord{}, fmt.Errorf("supersede previous fact: %w", err)
	}

	rec := FactRecord{
		FactID:                uuid.NewString(),
		ConversationID:        a.ConversationID,
		Key:                   a.Key,
		Value:                 a.Value,
		EffectiveFromSequence: a.Sequence,
		SupersededAtSequence:  supersededAt,
		SourceTurnID:          a.SourceTurnID,
		Pinned:                a.Pinned,
		PolicyFlagged:         a.PolicyFlagged,
		CreatedAt:             observedAt,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO facts (fact_id, conversation_id, key, value, effective_from_sequence,
			superseded_at_sequence, source_turn_id, pinned, policy_flagged, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.FactID, rec.ConversationID, rec.Key, rec.Value, int64(rec.EffectiveFromSequence),
		nullableSeq(rec.SupersededAtSequence), rec.SourceTurnID, rec.Pinned, rec.PolicyFlagged, rec.CreatedAt)
	if err != nil {
		return FactRecord{}, fmt.Errorf("insert fact: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return FactRecord{}, fmt.Errorf("commit tx: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Current(ctx context.Context, conversationID, key string) (FactRecord, error) {
	var rec FactRecord
	err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE conversation_id=$1 AND key=$2 AND superseded_at_sequence IS NULL`,
		conversationID, key), &rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return FactRecord{}, ErrNotFound
	}
	if err != nil {
		return FactRecord{}, fmt.Errorf("query current fact: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CurrentAsOf(ctx context.Context, conversationID, key string, asOf uint64) (FactRecord, error) {
	var rec FactRecord
	err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE conversation_id=$1 AND key=$2
		   AND effective_from_sequence <= $3
		   AND (superseded_at_sequence IS NULL OR superseded_at_sequence > $3)`,
		conversationID, key, int64(asOf)), &rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return FactRecord{}, ErrNotFound
	}
	if err != nil {
		return FactRecord{}, fmt.Errorf("query fact as of sequence: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) History(ctx context.Context, conversationID, key string) ([]FactRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE conversation_id=$1 AND key=$2
		 ORDER BY effective_from_sequence ASC`,
		conversationID, key)
	if err != nil {
		return nil, fmt.Errorf("query fact history: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) Snapshot(ctx context.Context, conversationID string) (Snapshot, error) {
	snap := Snapshot{
		ConversationID:   conversationID,
		Current:          make(map[string]FactRecord),
		StaleSourceTurns: make(map[string]bool),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE conversation_id=$1 AND superseded_at_sequence IS NULL`,
		conversationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query current facts: %w", err)
	}
	current, err := collectRecords(rows)
	if err != nil {
		return Snapshot{}, err
	}
	for _, rec := range current {
		snap.Current[rec.Key] = rec
	}

	var asOf int64
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(effective_from_sequence), 0) FROM facts WHERE conversation_id=$1`,
		conversationID).Scan(&asOf)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot sequence: %w", err)
	}
	snap.AsOfSequence = uint64(asOf)

	staleRows, err := s.pool.Query(ctx,
		`SELECT DISTINCT source_turn_id FROM facts
		 WHERE conversation_id=$1 AND source_turn_id <> ''
		 EXCEPT
		 SELECT DISTINCT source_turn_id FROM facts
		 WHERE conversation_id=$1 AND superseded_at_sequence IS NULL`,
		conversationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query stale source turns: %w", err)
	}
	defer staleRows.Close()
	for staleRows.Next() {
		var turnID string
		if err := staleRows.Scan(&turnID); err != nil {
			return Snapshot{}, fmt.Errorf("scan stale source turn: %w", err)
		}
		snap.StaleSourceTurns[turnID] = true
	}
	if err := staleRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate stale source turns: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) SetPinned(ctx context.Context, conversationID, key string, pinned bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE facts SET pinned=$1
		 WHERE conversation_id=$2 AND key=$3 AND superseded_at_sequence IS NULL`,
		pinned, conversationID, key)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const factColumns = `fact_id, conversation_id, key, value, effective_from_sequence,
	superseded_at_sequence, source_turn_id, pinned, policy_flagged, created_at`

func scanRecord(row pgx.Row, rec *FactRecord) error {
	var effectiveFrom int64
	var supersededAt *int64
	if err := row.Scan(&rec.FactID, &rec.ConversationID, &rec.Key, &rec.Value,
		&effectiveFrom, &supersededAt, &rec.SourceTurnID, &rec.Pinned,
		&rec.PolicyFlagged, &rec.CreatedAt); err != nil {
		return err
	}
	rec.EffectiveFromSequence = uint64(effectiveFrom)
	if supersededAt != nil {
		seq := uint64(*supersededAt)
		rec.SupersededAtSequence = &seq
	}
	return nil
}

func collectRecords(rows pgx.Rows) ([]FactRecord, error) {
	defer rows.Close()
	var out []FactRecord
	for rows.Next() {
		var rec FactRecord
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

func nullableSeq(seq *uint64) *int64 {
	if seq == nil {
		return nil
	}
	v := int64(*seq)
	return &v
}
