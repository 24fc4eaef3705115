package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// KnowledgeChunk is one indexed document fragment with its cosine distance
// to the query embedding.
type KnowledgeChunk struct {
	ID       string
	Filename string
	Content  string
	Distance float64
}

// Similarity converts the cosine distance into a similarity score in [0, 1].
func (c KnowledgeChunk) Similarity() float64 {
	return 1 - c.Distance
}

// InsertKnowledgeChunk indexes one document fragment for an agent.
func (s *Store) InsertKnowledgeChunk(ctx context.Context, agentID, filename, content string, embedding []float32) error {
	const q = `
		INSERT INTO knowledge_chunks (id, agent_id, filename, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`

	vec := pgvector.NewVector(embedding)
	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), agentID, filename, content, vec); err != nil {
		return fmt.Errorf("store: insert knowledge chunk: %w", err)
	}
	return nil
}

// SearchKnowledge returns the limit chunks of the agent nearest to the query
// embedding, ordered by ascending cosine distance.
func (s *Store) SearchKnowledge(ctx context.Context, agentID string, embedding []float32, limit int) ([]KnowledgeChunk, error) {
	const q = `
		SELECT id, filename, content, embedding <=> $1 AS distance
		FROM   knowledge_chunks
		WHERE  agent_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search knowledge: %w", err)
	}

	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (KnowledgeChunk, error) {
		var c KnowledgeChunk
		err := row.Scan(&c.ID, &c.Filename, &c.Content, &c.Distance)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan knowledge chunks: %w", err)
	}
	return chunks, nil
}
