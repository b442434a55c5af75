package core

// localbackend.go — local-directory backend (spec §6: "a filesystem path
// to select the local-directory backend"), persisted exactly as spec §6
// describes: "objects/ (files named by 64-hex content-id...) and
// state.yaml (the state record, text-serialized)".
//
// Unlike the ledger-backed Orchestrator, refs live directly in the state
// record (there is no separate on-ledger descriptor to hold them), and
// mutual exclusion across concurrent local pushes is a plain lockfile
// rather than a leased ledger lock — grounded on core/access_control.go's
// exclusive-hold pattern, simplified to a single-machine filesystem lock
// since there is no remote lease to expire.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"git-remote-walrus/internal/retry"
)

// LocalBackend implements Backend (core/protocol.go) directly against a
// directory on disk, with no ledger involved.
type LocalBackend struct {
	Dir    string
	Blobs  *LocalDirStore
	Cache  *LocalCache
	Pack   *PackDriver
	logger *logrus.Logger
}

// NewLocalBackend opens (creating if absent) a local-directory remote at
// dir.
func NewLocalBackend(dir string, lg *logrus.Logger) (*LocalBackend, error) {
	if lg == nil {
		lg = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local backend: create %s: %w", dir, err)
	}
	blobs, err := NewLocalDirStore(filepath.Join(dir, "objects"), lg)
	if err != nil {
		return nil, err
	}
	cache, err := NewLocalCache(filepath.Join(dir, ".cache"), lg)
	if err != nil {
		return nil, err
	}
	return &LocalBackend{
		Dir:    dir,
		Blobs:  blobs,
		Cache:  cache,
		Pack:   NewPackDriver("git", "", lg),
		logger: lg,
	}, nil
}

func (b *LocalBackend) statePath() string { return filepath.Join(b.Dir, "state.yaml") }
func (b *LocalBackend) lockPath() string  { return filepath.Join(b.Dir, ".lock") }

func (b *LocalBackend) readState() (*StateRecord, error) {
	data, err := os.ReadFile(b.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return NewStateRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("local backend: read state.yaml: %w", err)
	}
	return Unmarshal(data)
}

func (b *LocalBackend) writeState(s *StateRecord) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return atomicWriteRaw(b.statePath(), data)
}

// acquireLock takes the single-writer lockfile, retrying with internal/
// retry's backoff schedule if another process currently holds it.
func (b *LocalBackend) acquireLock(ctx context.Context) error {
	return retry.Do(ctx, func(err error) bool { return errors.Is(err, os.ErrExist) }, func() error {
		f, err := os.OpenFile(b.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		return f.Close()
	})
}

func (b *LocalBackend) releaseLock() {
	if err := os.Remove(b.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Warnf("local backend: failed to remove lockfile %s: %v", b.lockPath(), err)
	}
}

// List satisfies Backend.List.
func (b *LocalBackend) List(forPush bool) (map[string]ObjectName, string, error) {
	state, err := b.readState()
	if err != nil {
		return nil, "", err
	}
	return state.Refs, DefaultRef(state.Refs), nil
}

// Fetch satisfies Backend.Fetch, identically to Orchestrator.Fetch but
// resolving objects straight against the local directory's own blob store.
func (b *LocalBackend) Fetch(reqs []FetchRequest, out io.Writer) error {
	ctx := context.Background()
	state, err := b.readState()
	if err != nil {
		return err
	}
	resolve := cachedResolver(ctx, b.Cache, b.Blobs, state.Objects, b.logger)

	wanted := map[ObjectName]struct{}{}
	for _, req := range reqs {
		names, err := ReachableFrom(req.Name, resolve)
		if err != nil {
			return fmt.Errorf("local backend: fetch: walk %s: %w", req.Name, err)
		}
		for _, n := range names {
			wanted[n] = struct{}{}
		}
	}
	wantedList := make([]ObjectName, 0, len(wanted))
	for n := range wanted {
		wantedList = append(wantedList, n)
	}
	return b.Pack.Pack(wantedList, resolverSource{resolve}, out)
}

// Push satisfies Backend.Push: unpack, lock, upload, merge refs directly
// into the state record, write state.yaml, unlock.
func (b *LocalBackend) Push(updates []PushRefUpdate, packStream io.Reader) ([]PushResult, error) {
	ctx := context.Background()

	sink := &collectingSink{cache: b.Cache}
	if err := b.Pack.Unpack(packStream, sink); err != nil {
		return rejectAll(updates, err), nil
	}

	if err := b.acquireLock(ctx); err != nil {
		return rejectAll(updates, fmt.Errorf("could not acquire local lock: %w", err)), nil
	}
	defer b.releaseLock()

	state, err := b.readState()
	if err != nil {
		return rejectAll(updates, err), nil
	}

	newEntries, err := uploadObjects(ctx, b.Blobs, b.Cache, sink.received, state.Objects)
	if err != nil {
		return rejectAll(updates, fmt.Errorf("local backend: upload objects: %w", err)), nil
	}
	state.Merge(newEntries)

	for _, u := range updates {
		if u.Src == "" {
			delete(state.Refs, u.Dst)
		} else {
			state.Refs[u.Dst] = ObjectName(u.Src)
		}
	}

	if err := b.writeState(state); err != nil {
		return rejectAll(updates, fmt.Errorf("local backend: write state.yaml: %w", err)), nil
	}

	results := make([]PushResult, len(updates))
	for i, u := range updates {
		results[i] = PushResult{Ref: u.Dst, OK: true}
	}
	return results, nil
}
