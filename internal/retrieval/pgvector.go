package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgvectorIndex stores turn embeddings in PostgreSQL and searches them
// with pgvector's cosine distance operator.
type PgvectorIndex struct {
	pool *pgxpool.Pool
	dims int
}

func NewPgvectorIndex(ctx context.Context, databaseURL string, dims int) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initIndexSchema(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}

	return &PgvectorIndex{pool: pool, dims: dims}, nil
}

func initIndexSchema(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS turn_embeddings (
			turn_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		);`, dims),
		`CREATE INDEX IF NOT EXISTS idx_turn_embeddings_conversation ON turn_embeddings (conversation_id, sequence);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (x *PgvectorIndex) IndexTurn(ctx context.Context, conversationID, turnID, blockID string, sequence uint64, text string, vector []float32) error {
	_, err := x.pool.Exec(ctx,
		`INSERT INTO turn_embeddings (turn_id, conversation_id, block_id, sequence, content, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6::vector)
		 ON CONFLICT (turn_id) DO NOTHING`,
		turnID,
		conversationID,
		blockID,
		int64(sequence),
		text,
		vectorLiteral(vector),
	)
	if err != nil {
		return fmt.Errorf("index turn: %w", err)
	}
	return nil
}

func (x *PgvectorIndex) Search(ctx context.Context, conversationID string, vector []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := x.pool.Query(ctx,
		`SELECT turn_id, block_id, sequence, content, 1 - (embedding <=> $2::vector) AS similarity
		 FROM turn_embeddings WHERE conversation_id=$1
		 ORDER BY embedding <=> $2::vector LIMIT $3`,
		conversationID,
		vectorLiteral(vector),
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0, k)
	for rows.Next() {
		var c Candidate
		var seq int64
		if err := rows.Scan(&c.TurnID, &c.BlockID, &seq, &c.Text, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		c.Sequence = uint64(seq)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}
	return candidates, nil
}

func (x *PgvectorIndex) Close() error {
	x.pool.Close()
	return nil
}

// vectorLiteral renders a float slice in pgvector's input syntax.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
