package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation lifecycle statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Conversation is one call record.
type Conversation struct {
	ID           string
	AgentID      string
	CallerNumber string
	Status       string
	Resolution   string
	StartedAt    time.Time
	EndedAt      *time.Time
}

// CreateConversation allocates a call record in the in_progress state and
// returns its id.
func (s *Store) CreateConversation(ctx context.Context, agentID, callerNumber string) (string, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO conversations (id, agent_id, caller_number, status, resolution)
		VALUES ($1, $2, $3, $4, 'pending')`

	if _, err := s.pool.Exec(ctx, q, id, agentID, callerNumber, StatusInProgress); err != nil {
		return "", fmt.Errorf("store: create conversation: %w", err)
	}
	return id, nil
}

// FinalizeConversation stamps the terminal status and end time. A second
// finalize of the same conversation is a no-op, so racing shutdown paths
// cannot overwrite the first recorded outcome.
func (s *Store) FinalizeConversation(ctx context.Context, conversationID, status string) error {
	const q = `
		UPDATE conversations
		SET    status = $2, ended_at = now()
		WHERE  id = $1 AND ended_at IS NULL`

	if _, err := s.pool.Exec(ctx, q, conversationID, status); err != nil {
		return fmt.Errorf("store: finalize conversation: %w", err)
	}
	return nil
}

// AppendMessage records one transcript line for a conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	const q = `
		INSERT INTO messages (id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), conversationID, role, content); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}
