// Package store is the PostgreSQL persistence layer for the voice bridge.
//
// The bridge reads agent, business, phone-number, and tool-connection rows
// once at call open (see [Store.LoadAgentSnapshot]) and writes conversation
// and message rows during the call. Knowledge-base chunks live in the same
// database behind a pgvector HNSW index.
//
// All operations share a single [pgxpool.Pool] and are safe for concurrent
// use.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store holds the shared connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate] so all required tables exist.
//
// embeddingDimensions must match the embedding model used for knowledge
// chunks (1536 for OpenAI text-embedding-3-small). Changing it after the
// first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so embedding columns
	// scan into pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping probes the database. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ── Domain rows ───────────────────────────────────────────────────────────────

// Agent is one configured voice agent.
type Agent struct {
	ID           string
	BusinessID   string
	Name         string
	Model        string
	Voice        string
	SystemPrompt string
	Greeting     string
	Goodbye      string
}

// Business is the owning business context injected into agent instructions.
type Business struct {
	ID           string
	Name         string
	Address      string
	ContactEmail string
	Phone        string
}

// ProviderGoogleCalendar is the tool_connections provider value for Google
// Calendar.
const ProviderGoogleCalendar = "google_calendar"

// ToolConnection is one enabled tool provider for a business, with
// provider-specific settings and OAuth credentials.
type ToolConnection struct {
	ID           string
	BusinessID   string
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	RawSettings  []byte
}

// CalendarSettings are the booking rules of a calendar tool connection.
type CalendarSettings struct {
	DefaultDurationMinutes int    `json:"default_duration_minutes"`
	BusinessHoursStart     string `json:"business_hours_start"`
	BusinessHoursEnd       string `json:"business_hours_end"`
	BookingHorizonDays     int    `json:"booking_horizon_days"`
	AllowConflicts         bool   `json:"allow_conflicts"`
	TimeZone               string `json:"timezone"`
}

// CalendarSettings decodes the connection's settings blob, filling unset
// fields with the booking defaults.
func (tc *ToolConnection) CalendarSettings() (CalendarSettings, error) {
	cs := CalendarSettings{
		DefaultDurationMinutes: 30,
		BusinessHoursStart:     "09:00",
		BusinessHoursEnd:       "17:00",
		BookingHorizonDays:     30,
		TimeZone:               "America/Chicago",
	}
	if len(tc.RawSettings) == 0 {
		return cs, nil
	}
	if err := json.Unmarshal(tc.RawSettings, &cs); err != nil {
		return CalendarSettings{}, fmt.Errorf("store: decode calendar settings: %w", err)
	}
	return cs, nil
}

// AgentSnapshot is the immutable per-call view resolved at call open.
type AgentSnapshot struct {
	Agent       Agent
	Business    Business
	PhoneNumber string
	Tools       []ToolConnection
}

// Tool returns the connection for the given provider, or nil when the
// business has not enabled it.
func (s *AgentSnapshot) Tool(provider string) *ToolConnection {
	for i := range s.Tools {
		if s.Tools[i].Provider == provider {
			return &s.Tools[i]
		}
	}
	return nil
}

// ── Reads at call open ────────────────────────────────────────────────────────

// AgentByNumber resolves the agent bound to a called phone number. Returns
// pgx.ErrNoRows wrapped when no agent answers that number.
func (s *Store) AgentByNumber(ctx context.Context, number string) (Agent, error) {
	const q = `
		SELECT a.id, a.business_id, a.name, a.model, a.voice,
		       a.system_prompt, a.greeting, a.goodbye
		FROM   agents a
		JOIN   phone_numbers p ON p.agent_id = a.id
		WHERE  p.number = $1`

	rows, err := s.pool.Query(ctx, q, number)
	if err != nil {
		return Agent{}, fmt.Errorf("store: agent by number: %w", err)
	}
	agent, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[Agent])
	if err != nil {
		return Agent{}, fmt.Errorf("store: agent by number: %w", err)
	}
	return agent, nil
}

// LoadAgentSnapshot resolves the full per-call configuration for agentID:
// the agent row, its business, its bound phone number, and every tool
// connection of the business.
func (s *Store) LoadAgentSnapshot(ctx context.Context, agentID string) (*AgentSnapshot, error) {
	const agentQ = `
		SELECT a.id, a.business_id, a.name, a.model, a.voice,
		       a.system_prompt, a.greeting, a.goodbye,
		       b.id, b.name, b.address, b.contact_email, b.phone,
		       COALESCE(p.number, '')
		FROM   agents a
		JOIN   businesses b ON b.id = a.business_id
		LEFT   JOIN phone_numbers p ON p.agent_id = a.id
		WHERE  a.id = $1`

	snap := &AgentSnapshot{}
	err := s.pool.QueryRow(ctx, agentQ, agentID).Scan(
		&snap.Agent.ID, &snap.Agent.BusinessID, &snap.Agent.Name,
		&snap.Agent.Model, &snap.Agent.Voice, &snap.Agent.SystemPrompt,
		&snap.Agent.Greeting, &snap.Agent.Goodbye,
		&snap.Business.ID, &snap.Business.Name, &snap.Business.Address,
		&snap.Business.ContactEmail, &snap.Business.Phone,
		&snap.PhoneNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load agent %s: %w", agentID, err)
	}

	const toolQ = `
		SELECT id, business_id, provider, access_token, refresh_token,
		       COALESCE(token_expiry, 'epoch'::timestamptz), settings
		FROM   tool_connections
		WHERE  business_id = $1`

	rows, err := s.pool.Query(ctx, toolQ, snap.Business.ID)
	if err != nil {
		return nil, fmt.Errorf("store: load tool connections: %w", err)
	}
	snap.Tools, err = pgx.CollectRows(rows, pgx.RowToStructByPos[ToolConnection])
	if err != nil {
		return nil, fmt.Errorf("store: scan tool connections: %w", err)
	}

	return snap, nil
}

// UpdateToolToken persists a rotated OAuth access token for a connection.
func (s *Store) UpdateToolToken(ctx context.Context, connectionID, accessToken string, expiry time.Time) error {
	const q = `
		UPDATE tool_connections
		SET    access_token = $2, token_expiry = $3
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, connectionID, accessToken, expiry); err != nil {
		return fmt.Errorf("store: update tool token: %w", err)
	}
	return nil
}
