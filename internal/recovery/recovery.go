// Package recovery restores runtime state after a restart. Components that
// keep in-process state (armed timers, claimed jobs) register here and are
// asked to rebuild it from the store before the engine starts taking traffic.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store     store.Store
	startedAt time.Time
	recovered map[string]int
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(s store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{
		store:     s,
		startedAt: time.Now().UTC(),
		recovered: make(map[string]int),
	}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// StartedAt is the instant recovery began.
func (r *RecoveryRegistry) StartedAt() time.Time {
	return r.startedAt
}

// Report records how many items a component recovered.
func (r *RecoveryRegistry) Report(component string, n int) {
	r.recovered[component] += n
}

// Recovered returns the per-component counts reported so far.
func (r *RecoveryRegistry) Recovered() map[string]int {
	out := make(map[string]int, len(r.recovered))
	for k, v := range r.recovered {
		out[k] = v
	}
	return out
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(s store.Store) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(s),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered. Components
// recover in registration order.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount, "items", rm.registry.Recovered())

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
