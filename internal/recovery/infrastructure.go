package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// StaleJobRecoverer is the part of store.JobRunner used at startup.
type StaleJobRecoverer interface {
	RecoverStaleJobs() error
}

// JobRunnerRecoverable requeues jobs left running by a crashed process so
// their delayed steps fire again.
type JobRunnerRecoverable struct {
	runner StaleJobRecoverer
}

// NewJobRunnerRecoverable wraps runner as a Recoverable.
func NewJobRunnerRecoverable(runner StaleJobRecoverer) *JobRunnerRecoverable {
	return &JobRunnerRecoverable{runner: runner}
}

// RecoverState implements Recoverable.
func (j *JobRunnerRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	if j.runner == nil {
		return nil
	}
	slog.Info("Recovering stale jobs")
	if err := j.runner.RecoverStaleJobs(); err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return nil
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context, registry *RecoveryRegistry) error

// RecoverState implements Recoverable.
func (f RecoverableFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}
