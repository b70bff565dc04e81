package lockfile

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLockfile_ExclusiveWithinProcess(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.lock")

	lk, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire err=%v, want ErrAlreadyLocked", err)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	relk, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = relk.Release()
}
