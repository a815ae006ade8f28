package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/autotrader/internal/contracts"
)

// JobState is the operator-visible state that survives restarts
type JobState struct {
	Name                string    `json:"name"`
	Enabled             bool      `json:"enabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NeedsAttention      bool      `json:"needs_attention"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// StateStore persists JobState. Load returns contracts.ErrNotFound for
// a job that was never saved.
type StateStore interface {
	Load(ctx context.Context, name string) (*JobState, error)
	Save(ctx context.Context, state JobState) error
}

// MemoryStateStore keeps job states in memory
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]JobState
}

// NewMemoryStateStore creates an empty store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]JobState)}
}

func (s *MemoryStateStore) Load(ctx context.Context, name string) (*JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[name]
	if !ok {
		return nil, fmt.Errorf("job state %s: %w", name, contracts.ErrNotFound)
	}
	return &st, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, state JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Name] = state
	return nil
}

// Repository stores job states in the job_states table
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Postgres state store
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Load(ctx context.Context, name string) (*JobState, error) {
	query := `
		SELECT name, enabled, consecutive_failures, needs_attention, updated_at
		FROM job_states
		WHERE name = $1
	`

	var st JobState
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&st.Name,
		&st.Enabled,
		&st.ConsecutiveFailures,
		&st.NeedsAttention,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job state %s: %w", name, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job state %s: %w", name, err)
	}
	return &st, nil
}

func (r *Repository) Save(ctx context.Context, state JobState) error {
	query := `
		INSERT INTO job_states (name, enabled, consecutive_failures, needs_attention, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			consecutive_failures = EXCLUDED.consecutive_failures,
			needs_attention = EXCLUDED.needs_attention,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		state.Name,
		state.Enabled,
		state.ConsecutiveFailures,
		state.NeedsAttention,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job state %s: %w", state.Name, err)
	}
	return nil
}
