package screener

import (
	"context"
	"fmt"
	"sync"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/redis"
)

// CandidateStore keeps candidate lists keyed by screening run
type CandidateStore interface {
	Save(ctx context.Context, runID string, candidates []contracts.Candidate) error
	// Latest returns the most recent run; contracts.ErrNotFound when none
	Latest(ctx context.Context) (string, []contracts.Candidate, error)
}

// MemoryCandidateStore keeps runs in process memory
type MemoryCandidateStore struct {
	mu     sync.RWMutex
	runs   map[string][]contracts.Candidate
	latest string
}

func NewMemoryCandidateStore() *MemoryCandidateStore {
	return &MemoryCandidateStore{runs: make(map[string][]contracts.Candidate)}
}

func (s *MemoryCandidateStore) Save(ctx context.Context, runID string, candidates []contracts.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = append([]contracts.Candidate(nil), candidates...)
	s.latest = runID
	return nil
}

func (s *MemoryCandidateStore) Latest(ctx context.Context) (string, []contracts.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == "" {
		return "", nil, fmt.Errorf("candidates: %w", contracts.ErrNotFound)
	}
	return s.latest, append([]contracts.Candidate(nil), s.runs[s.latest]...), nil
}

// RedisCandidateStore keeps runs in Redis for redis.TTLDaily
type RedisCandidateStore struct {
	cache *redis.Cache
}

func NewRedisCandidateStore(cache *redis.Cache) *RedisCandidateStore {
	return &RedisCandidateStore{cache: cache}
}

func (s *RedisCandidateStore) Save(ctx context.Context, runID string, candidates []contracts.Candidate) error {
	if candidates == nil {
		candidates = []contracts.Candidate{}
	}
	if err := s.cache.Set(ctx, redis.CandidatesKey(runID), candidates, redis.TTLDaily); err != nil {
		return fmt.Errorf("store candidates %s: %w", runID, err)
	}
	if err := s.cache.Set(ctx, redis.LatestCandidatesKey, runID, redis.TTLDaily); err != nil {
		return fmt.Errorf("store latest run pointer: %w", err)
	}
	return nil
}

func (s *RedisCandidateStore) Latest(ctx context.Context) (string, []contracts.Candidate, error) {
	var runID string
	found, err := s.cache.Get(ctx, redis.LatestCandidatesKey, &runID)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, fmt.Errorf("candidates: %w", contracts.ErrNotFound)
	}

	var candidates []contracts.Candidate
	found, err = s.cache.Get(ctx, redis.CandidatesKey(runID), &candidates)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, fmt.Errorf("candidates for run %s: %w", runID, contracts.ErrNotFound)
	}
	return runID, candidates, nil
}
