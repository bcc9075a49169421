package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

func restartDBPath(t *testing.T, pattern string) string {
	t.Helper()
	tempDir, err := os.MkdirTemp("", pattern)
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return filepath.Join(tempDir, "test.db")
}

// TestJobRunnerRestartRecovery enqueues a job, "crashes" before it is due,
// restarts with a new runner on the same DB and checks it runs exactly once.
func TestJobRunnerRestartRecovery(t *testing.T) {
	dbPath := restartDBPath(t, "restart_test_")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}

	var executedPhase1 int32
	runner1 := NewJobRunner(s1, 50*time.Millisecond)
	runner1.RegisterHandler("restart_test", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executedPhase1, 1)
		return nil
	})

	runAt := time.Now().Add(200 * time.Millisecond)
	jobID, err := s1.EnqueueJob("restart_test", runAt, `{"test":"restart"}`, "restart-dedup")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx1, cancel1 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	go runner1.Run(ctx1)
	<-ctx1.Done()
	cancel1()

	if atomic.LoadInt32(&executedPhase1) != 0 {
		t.Fatalf("Expected 0 executions in phase 1, got %d", atomic.LoadInt32(&executedPhase1))
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executedPhase2 int32
	runner2 := NewJobRunner(s2, 50*time.Millisecond)
	runner2.RegisterHandler("restart_test", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executedPhase2, 1)
		return nil
	})
	if err := runner2.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	go runner2.Run(ctx2)
	<-ctx2.Done()

	if atomic.LoadInt32(&executedPhase2) != 1 {
		t.Errorf("Expected 1 execution in phase 2, got %d", atomic.LoadInt32(&executedPhase2))
	}
	job, err := s2.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob after restart failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("Expected job status 'done', got %q", job.Status)
	}
}

// TestExecutionStateRestartRoundTrip checks that an armed delay written before
// a restart is visible, unchanged, to the next process.
func TestExecutionStateRestartRoundTrip(t *testing.T) {
	dbPath := restartDBPath(t, "state_restart_test_")
	ctx := context.Background()
	fireAt := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	key := models.StateKey{FlowID: "flow_restart", UserID: "+15550002"}

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if err := s1.SaveFlow(ctx, testFlow("flow_restart", fireAt.Add(-time.Hour))); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	st := models.NewExecutionState(key)
	st.Status = models.StatusAwaitingDelay
	st.CurrentStepNumber = 1
	st.RepliesSentToUser = 1
	st.ArmedStepNumber = 2
	st.FireAt = models.TimePtr(fireAt)
	st.Channel = models.ChannelWhatsApp
	if err := s1.SaveExecutionState(ctx, st); err != nil {
		t.Fatalf("SaveExecutionState failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	awaiting, err := s2.ListAwaitingDelay(ctx)
	if err != nil {
		t.Fatalf("ListAwaitingDelay failed: %v", err)
	}
	if len(awaiting) != 1 {
		t.Fatalf("Expected 1 awaiting state after restart, got %d", len(awaiting))
	}
	got := awaiting[0]
	if got.Key() != key || got.ArmedStepNumber != 2 || got.CurrentStepNumber != 1 || got.Version != 1 {
		t.Errorf("state changed across restart: %+v", got)
	}
	if got.FireAt == nil || !got.FireAt.Equal(fireAt) {
		t.Errorf("fire_at = %v, want %v", got.FireAt, fireAt)
	}
	if got.Channel != models.ChannelWhatsApp {
		t.Errorf("channel = %q", got.Channel)
	}

	def, err := s2.GetFlow(ctx, "flow_restart")
	if err != nil {
		t.Fatalf("GetFlow after restart failed: %v", err)
	}
	if !def.CreatedAt.Equal(fireAt.Add(-time.Hour)) {
		t.Errorf("created_at = %v", def.CreatedAt)
	}
}

// TestDedupRepoRestartSafety verifies that dedup records survive a store restart.
func TestDedupRepoRestartSafety(t *testing.T) {
	dbPath := restartDBPath(t, "dedup_restart_test_")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	isNew, err := s1.RecordInbound("msg-restart-1", "+15550003")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !isNew {
		t.Error("Expected isNew=true for first record")
	}
	if err := s1.MarkProcessed("msg-restart-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	isNew2, err := s2.RecordInbound("msg-restart-1", "+15550003")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew2 {
		t.Error("Expected isNew=false for duplicate after restart")
	}
	dup, err := s2.IsDuplicate("msg-restart-1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if !dup {
		t.Error("Expected true for duplicate message after restart")
	}
}
