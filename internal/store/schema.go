package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlBusinesses = `
CREATE TABLE IF NOT EXISTS businesses (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	address       TEXT NOT NULL DEFAULT '',
	contact_email TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	business_id   TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	voice         TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	greeting      TEXT NOT NULL DEFAULT '',
	goodbye       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlPhoneNumbers = `
CREATE TABLE IF NOT EXISTS phone_numbers (
	number     TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlToolConnections = `
CREATE TABLE IF NOT EXISTS tool_connections (
	id            TEXT PRIMARY KEY,
	business_id   TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	provider      TEXT NOT NULL,
	access_token  TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expiry  TIMESTAMPTZ,
	settings      JSONB NOT NULL DEFAULT '{}',
	UNIQUE (business_id, provider)
)`

const ddlSubscriptions = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	caller_number TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'in_progress',
	resolution    TEXT NOT NULL DEFAULT 'pending',
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at      TIMESTAMPTZ
)`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlKnowledgeChunks = `
CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	embedding  vector(%d) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlKnowledgeIndex = `
CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx
	ON knowledge_chunks USING hnsw (embedding vector_cosine_ops)`

const ddlConversationsAgentIndex = `
CREATE INDEX IF NOT EXISTS conversations_agent_idx
	ON conversations (agent_id, status)`

// Migrate creates the extension, tables, and indexes if they do not exist.
// All statements are idempotent, so it is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		ddlBusinesses,
		ddlAgents,
		ddlPhoneNumbers,
		ddlToolConnections,
		ddlSubscriptions,
		ddlConversations,
		ddlMessages,
		fmt.Sprintf(ddlKnowledgeChunks, embeddingDimensions),
		ddlKnowledgeIndex,
		ddlConversationsAgentIndex,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
