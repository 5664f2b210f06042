package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	l, err := Acquire(dbPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(LockPath(dbPath))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		t.Fatalf("expected PID in lock file, got %q", string(b))
	}
	if pid != os.Getpid() {
		t.Fatalf("expected PID %d, got %d", os.Getpid(), pid)
	}
}

func TestAcquireRejectsSecondGateway(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	l, err := Acquire(dbPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if _, err := Acquire(dbPath); err == nil {
		t.Fatalf("expected second Acquire to fail while lock is held")
	}
}

func TestHolderReportsPID(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "molt.db")

	if pid, held := Holder(dbPath); held || pid != 0 {
		t.Fatalf("expected no holder before Acquire, got pid=%d held=%v", pid, held)
	}

	l, err := Acquire(dbPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	pid, held := Holder(dbPath)
	if !held {
		t.Fatalf("expected lock to be held")
	}
	if pid != os.Getpid() {
		t.Fatalf("expected holder PID %d, got %d", os.Getpid(), pid)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, held := Holder(dbPath); held {
		t.Fatalf("expected lock free after Release")
	}
}
