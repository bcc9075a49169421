// Package store provides storage backends for ReplyPipe.
//
// It holds flow definitions, per-user execution state, flow statistics, durable
// delay jobs and inbound de-duplication records. Backends: in-memory, SQLite,
// PostgreSQL and Redis.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// FlowRepo stores validated flow definitions.
type FlowRepo interface {
	SaveFlow(ctx context.Context, def models.FlowDefinition) error
	// GetFlow returns models.ErrFlowNotFound when the flow does not exist.
	GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error)
	ListFlows(ctx context.Context) ([]models.FlowDefinition, error)
	ListActiveFlows(ctx context.Context) ([]models.FlowDefinition, error)
	SetFlowActive(ctx context.Context, id string, active bool) error
}

// ExecutionStateRepo stores per-(flow, user) execution state.
type ExecutionStateRepo interface {
	// GetExecutionState returns nil, nil when no row exists.
	GetExecutionState(ctx context.Context, key models.StateKey) (*models.ExecutionState, error)
	// SaveExecutionState writes the state if its Version still matches the
	// stored row (Version 0 means the row must not exist yet). On success
	// state.Version is incremented. A mismatch returns models.ErrConcurrencyConflict.
	SaveExecutionState(ctx context.Context, state *models.ExecutionState) error
	DeleteExecutionState(ctx context.Context, key models.StateKey) error
	// ListAwaitingDelay returns every state with status awaiting_delay.
	ListAwaitingDelay(ctx context.Context) ([]models.ExecutionState, error)
	ListFlowStates(ctx context.Context, flowID string) ([]models.ExecutionState, error)
}

// StatsRepo maintains per-flow counters. Counters are side effects only.
type StatsRepo interface {
	IncrementTriggers(ctx context.Context, flowID string, at time.Time) error
	IncrementReplies(ctx context.Context, flowID string) error
	GetFlowStatistics(ctx context.Context, flowID string) (*models.FlowStatistics, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	FlowRepo
	ExecutionStateRepo
	StatsRepo
	DedupRepo
	Close() error
}

// Compile-time checks that every backend satisfies Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// InMemoryStore is a simple in-memory store, used for tests and ephemeral runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	flows  map[string]models.FlowDefinition
	states map[models.StateKey]*models.ExecutionState
	stats  map[string]*models.FlowStatistics
	dedup  map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:  make(map[string]models.FlowDefinition),
		states: make(map[models.StateKey]*models.ExecutionState),
		stats:  make(map[string]*models.FlowStatistics),
		dedup:  make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, def models.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.flows[def.ID]; ok && def.CreatedAt.IsZero() {
		def.CreatedAt = existing.CreatedAt
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.flows[def.ID] = def
	slog.Debug("InMemoryStore.SaveFlow", "flowID", def.ID, "active", def.IsActive)
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	return &def, nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	return s.listFlows(false), nil
}

func (s *InMemoryStore) ListActiveFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	return s.listFlows(true), nil
}

func (s *InMemoryStore) listFlows(activeOnly bool) []models.FlowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowDefinition, 0, len(s.flows))
	for _, def := range s.flows {
		if activeOnly && !def.IsActive {
			continue
		}
		out = append(out, def)
	}
	sortFlows(out)
	return out
}

func (s *InMemoryStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.flows[id]
	if !ok {
		return fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	def.IsActive = active
	def.UpdatedAt = time.Now().UTC()
	s.flows[id] = def
	return nil
}

func (s *InMemoryStore) GetExecutionState(ctx context.Context, key models.StateKey) (*models.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) SaveExecutionState(ctx context.Context, state *models.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := state.Key()
	existing, ok := s.states[key]
	switch {
	case state.Version == 0 && ok:
		return fmt.Errorf("insert %s: %w", key, models.ErrConcurrencyConflict)
	case state.Version != 0 && (!ok || existing.Version != state.Version):
		return fmt.Errorf("update %s at version %d: %w", key, state.Version, models.ErrConcurrencyConflict)
	}
	state.Version++
	state.UpdatedAt = time.Now().UTC()
	s.states[key] = state.Clone()
	return nil
}

func (s *InMemoryStore) DeleteExecutionState(ctx context.Context, key models.StateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *InMemoryStore) ListAwaitingDelay(ctx context.Context) ([]models.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionState
	for _, st := range s.states {
		if st.Status == models.StatusAwaitingDelay {
			out = append(out, *st.Clone())
		}
	}
	sortStates(out)
	return out, nil
}

func (s *InMemoryStore) ListFlowStates(ctx context.Context, flowID string) ([]models.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionState
	for key, st := range s.states {
		if key.FlowID == flowID {
			out = append(out, *st.Clone())
		}
	}
	sortStates(out)
	return out, nil
}

func (s *InMemoryStore) statsFor(flowID string) *models.FlowStatistics {
	st, ok := s.stats[flowID]
	if !ok {
		st = &models.FlowStatistics{FlowID: flowID}
		s.stats[flowID] = st
	}
	return st
}

func (s *InMemoryStore) IncrementTriggers(ctx context.Context, flowID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(flowID)
	st.TotalTriggers++
	st.LastTriggerAt = models.TimePtr(at)
	return nil
}

func (s *InMemoryStore) IncrementReplies(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFor(flowID).TotalReplies++
	return nil
}

func (s *InMemoryStore) GetFlowStatistics(ctx context.Context, flowID string) (*models.FlowStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := models.FlowStatistics{FlowID: flowID}
	if st, ok := s.stats[flowID]; ok {
		out = *st
		if st.LastTriggerAt != nil {
			out.LastTriggerAt = models.TimePtr(*st.LastTriggerAt)
		}
	}
	for key, st := range s.states {
		if key.FlowID != flowID {
			continue
		}
		if st.Status == models.StatusCompleted {
			out.CompletedUsers++
		} else {
			out.ActiveUsers++
		}
	}
	return &out, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.dedup[messageID]
	return ok && rec.ProcessedAt != nil, nil
}

func (s *InMemoryStore) RecordInbound(messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		return rec.ProcessedAt == nil, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		rec.ProcessedAt = models.TimePtr(time.Now())
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// sortFlows orders flows by creation time, then id.
func sortFlows(flows []models.FlowDefinition) {
	sort.SliceStable(flows, func(i, j int) bool {
		if !flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].CreatedAt.Before(flows[j].CreatedAt)
		}
		return flows[i].ID < flows[j].ID
	})
}

func sortStates(states []models.ExecutionState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].FlowID != states[j].FlowID {
			return states[i].FlowID < states[j].FlowID
		}
		return states[i].UserID < states[j].UserID
	})
}
