package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git-remote-walrus/internal/retry"
)

func TestLocalBackendListEmptyRemote(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	refs, defaultRef, err := b.List(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("expected no refs on a fresh remote, got %v", refs)
	}
	if defaultRef != "" {
		t.Errorf("expected no default ref, got %q", defaultRef)
	}
}

func TestLocalBackendWriteStateCreatesStateFile(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// Write an empty state record directly, bypassing Push's pack-driver
	// path (which shells out to a real VCS binary), to exercise the atomic
	// state.yaml write and read-back in isolation.
	state := NewStateRecord()
	if err := b.writeState(state); err != nil {
		t.Fatal(err)
	}

	got, err := b.readState()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Refs) != 0 {
		t.Errorf("expected empty refs, got %v", got.Refs)
	}

	if _, err := os.Stat(filepath.Join(b.Dir, "state.yaml")); err != nil {
		t.Errorf("expected state.yaml to exist: %v", err)
	}
}

func TestLocalBackendAcquireLockFailsWhileHeld(t *testing.T) {
	orig := retry.Schedule
	retry.Schedule = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { retry.Schedule = orig }()

	b, err := NewLocalBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(b.lockPath())
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := b.acquireLock(context.Background()); err == nil {
		t.Fatal("expected lock acquisition to fail while held")
	}
}

func TestLocalBackendAcquireThenReleaseAllowsReacquire(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.acquireLock(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.releaseLock()
	if err := b.acquireLock(context.Background()); err != nil {
		t.Fatalf("expected re-acquire to succeed after release: %v", err)
	}
	b.releaseLock()
}

func TestLocalBackendRefDeletionRemovesEntry(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	state := NewStateRecord()
	state.Refs["refs/heads/doomed"] = "aaaa000000000000000000000000000000000a"
	if err := b.writeState(state); err != nil {
		t.Fatal(err)
	}

	for _, u := range []PushRefUpdate{{Src: "", Dst: "refs/heads/doomed"}} {
		if u.Src == "" {
			delete(state.Refs, u.Dst)
		}
	}
	if err := b.writeState(state); err != nil {
		t.Fatal(err)
	}

	got, err := b.readState()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Refs["refs/heads/doomed"]; ok {
		t.Error("expected ref to be deleted")
	}
}
