package analyzer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wonny/autotrader/internal/contracts"
)

// Store persists analysis results. A newer result for a symbol supersedes
// older ones; reads return the latest.
type Store interface {
	Save(ctx context.Context, r *contracts.AnalysisResult) error
	Latest(ctx context.Context, symbol string) (*contracts.AnalysisResult, error)
	// LatestSince returns the latest result per symbol analyzed at or after
	// since, highest confidence first
	LatestSince(ctx context.Context, since time.Time) ([]*contracts.AnalysisResult, error)
}

// MemoryStore keeps the latest result per symbol
type MemoryStore struct {
	mu     sync.RWMutex
	latest map[string]*contracts.AnalysisResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]*contracts.AnalysisResult)}
}

func (s *MemoryStore) Save(ctx context.Context, r *contracts.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.latest[r.Symbol]; ok && cur.AnalyzedAt.After(r.AnalyzedAt) {
		return nil
	}
	c := *r
	s.latest[r.Symbol] = &c
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, symbol string) (*contracts.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.latest[symbol]
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", symbol, contracts.ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) LatestSince(ctx context.Context, since time.Time) ([]*contracts.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.AnalysisResult
	for _, r := range s.latest {
		if r.AnalyzedAt.Before(since) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	SortByConfidence(out)
	return out, nil
}

// SortByConfidence orders results by confidence desc, then symbol
func SortByConfidence(rs []*contracts.AnalysisResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Confidence != rs[j].Confidence {
			return rs[i].Confidence > rs[j].Confidence
		}
		return rs[i].Symbol < rs[j].Symbol
	})
}
