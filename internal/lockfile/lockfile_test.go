package lockfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	holder, err := ReadHolder(dir)
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if holder.PID != os.Getpid() || !holder.Running || holder.StartedAt.IsZero() {
		t.Errorf("holder = %+v", holder)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestLockConflictKeepsHolderInfo(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts just like another process would.
	_, err = AcquireLock(dir)
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("second AcquireLock err = %v, want *LockError", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), "locked by another ReplyPipe engine") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		content string
		pid     int
	}{
		{"pid=12345\nstarted=2024-01-01T00:00:00Z\n", 12345},
		{"pid=abc\n", 0},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		h := parseHolder(bufio.NewScanner(strings.NewReader(tt.content)))
		if h.PID != tt.pid {
			t.Errorf("parseHolder(%q).PID = %d, want %d", tt.content, h.PID, tt.pid)
		}
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process reported as not running")
	}
	if isProcessRunning(999999) {
		t.Error("pid 999999 reported as running")
	}
}
