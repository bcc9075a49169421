package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/store"
)

type mockRunner struct {
	called bool
	err    error
}

func (m *mockRunner) RecoverStaleJobs() error {
	m.called = true
	return m.err
}

func TestJobRunnerRecoverable(t *testing.T) {
	runner := &mockRunner{}
	r := NewJobRunnerRecoverable(runner)

	if err := r.RecoverState(context.Background(), NewRecoveryRegistry(store.NewInMemoryStore())); err != nil {
		t.Errorf("RecoverState failed: %v", err)
	}
	if !runner.called {
		t.Error("RecoverStaleJobs was not called")
	}
}

func TestJobRunnerRecoverable_Error(t *testing.T) {
	runner := &mockRunner{err: fmt.Errorf("db locked")}
	r := NewJobRunnerRecoverable(runner)

	if err := r.RecoverState(context.Background(), NewRecoveryRegistry(store.NewInMemoryStore())); err == nil {
		t.Error("Expected error when stale job recovery fails")
	}
}

func TestJobRunnerRecoverable_NilRunner(t *testing.T) {
	r := NewJobRunnerRecoverable(nil)
	if err := r.RecoverState(context.Background(), nil); err != nil {
		t.Errorf("nil runner should be a no-op, got %v", err)
	}
}

// TestJobRunnerRecoverable_RequeuesStaleJob exercises the real runner against SQLite.
func TestJobRunnerRecoverable_RequeuesStaleJob(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(dir, "recovery.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	defer os.RemoveAll(dir)

	past := time.Now().Add(-time.Hour)
	id, err := s.EnqueueJob("fire_delayed_step", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Claim it as of an hour ago to simulate a crash mid-run.
	if _, err := s.ClaimDueJobs(past, 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	runner := store.NewJobRunner(s, time.Second)
	manager := NewRecoveryManager(s)
	manager.RegisterRecoverable(NewJobRunnerRecoverable(runner))
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobStatusQueued {
		t.Errorf("job status = %q, want queued", job.Status)
	}
}
