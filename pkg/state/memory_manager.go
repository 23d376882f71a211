package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStateManager keeps run history in process memory. It is used when no
// history database is configured.
type MemoryStateManager struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewMemoryStateManager() *MemoryStateManager {
	return &MemoryStateManager{runs: make(map[string]*RunState)}
}

func (m *MemoryStateManager) SaveRun(ctx context.Context, run *RunState) error {
	cp := *run
	m.mu.Lock()
	m.runs[run.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateManager) LoadRun(ctx context.Context, runID string) (*RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStateManager) ListRuns(ctx context.Context, limit int) ([]*RunState, error) {
	m.mu.RLock()
	runs := make([]*RunState, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		runs = append(runs, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStateManager) CleanupOldRuns(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.runs {
		if r.Status != StatusRunning && r.StartTime.Before(cutoff) {
			delete(m.runs, id)
		}
	}
	return nil
}

func (m *MemoryStateManager) Close() error { return nil }
