package core

// orchestrator.go — push/fetch orchestrator (spec §4.H).
//
// Implements the protocol engine's Backend by composing every other
// component: the ledger adapter for refs/locking, the blob store for
// durable bytes, the local cache as a fast path in front of both, and the
// pack driver for turning bytes into/out of VCS pack streams.
//
// Grounded on cmd/cli/contract_management.go's deploy-then-call command
// shape for how the teacher threads a ledger client through a multi-step
// operation, and on core/storage.go's Pin-then-register two-phase write
// for the upload-then-publish push sequence. Concurrent blob uploads use
// golang.org/x/sync/errgroup the way the wider retrieval pack uses it for
// bounded fan-out (e.g. xreg-style per-job goroutine groups), rather than a
// hand-rolled sync.WaitGroup.

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"git-remote-walrus/internal/retry"
)

// uploadConcurrency bounds how many blobs are in flight to the remote
// store during a single push.
const uploadConcurrency = 8

// ledgerClient is the subset of *LedgerAdapter the orchestrator depends
// on, narrowed to an interface so it can be exercised against a fake in
// tests without a live RPC endpoint.
type ledgerClient interface {
	ReadDescriptor(ctx context.Context, remoteID string) (*Descriptor, error)
	AcquireLock(ctx context.Context, remoteID string, timeoutMs int64) error
	ReleaseLock(ctx context.Context, remoteID string) error
	Publish(ctx context.Context, req PublishRequest) error
}

// Orchestrator implements Backend (core/protocol.go) against a specific
// remote descriptor.
type Orchestrator struct {
	RemoteID      string
	Caller        string
	LockTimeoutMs int64

	Ledger ledgerClient
	Blobs  BlobStore
	Cache  *LocalCache
	Pack   *PackDriver

	logger *logrus.Logger
}

func NewOrchestrator(remoteID, caller string, lockTimeoutMs int64, ledger *LedgerAdapter, blobs BlobStore, cache *LocalCache, pack *PackDriver, lg *logrus.Logger) *Orchestrator {
	if lockTimeoutMs <= 0 {
		lockTimeoutMs = 30_000
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &Orchestrator{
		RemoteID:      remoteID,
		Caller:        caller,
		LockTimeoutMs: lockTimeoutMs,
		Ledger:        ledger,
		Blobs:         blobs,
		Cache:         cache,
		Pack:          pack,
		logger:        lg,
	}
}

// List satisfies Backend.List (spec §4.H list step): read the descriptor
// and report its refs, with refs/heads/main (if present) as the default
// HEAD target, else the lexicographically first ref, else none.
func (o *Orchestrator) List(forPush bool) (map[string]ObjectName, string, error) {
	ctx := context.Background()
	desc, err := o.Ledger.ReadDescriptor(ctx, o.RemoteID)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: list: %w", err)
	}
	return desc.Refs, DefaultRef(desc.Refs), nil
}

// Fetch satisfies Backend.Fetch (spec §4.H fetch algorithm):
//  1. read the descriptor and its state record
//  2. walk the object graph from each requested name, resolving through
//     the cache and falling back to the blob store
//  3. hand the transitive closure to the pack driver
func (o *Orchestrator) Fetch(reqs []FetchRequest, out io.Writer) error {
	ctx := context.Background()
	desc, err := o.Ledger.ReadDescriptor(ctx, o.RemoteID)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch: read descriptor: %w", err)
	}
	state, err := o.fetchStateRecord(ctx, desc)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch: load state record: %w", err)
	}
	resolve := o.makeResolver(ctx, state)

	wanted := map[ObjectName]struct{}{}
	for _, req := range reqs {
		names, err := ReachableFrom(req.Name, resolve)
		if err != nil {
			return fmt.Errorf("orchestrator: fetch: walk %s: %w", req.Name, err)
		}
		for _, n := range names {
			wanted[n] = struct{}{}
		}
	}
	wantedList := make([]ObjectName, 0, len(wanted))
	for n := range wanted {
		wantedList = append(wantedList, n)
	}
	sort.Slice(wantedList, func(i, j int) bool { return wantedList[i] < wantedList[j] })

	return o.Pack.Pack(wantedList, resolverSource{resolve}, out)
}

// Push satisfies Backend.Push (spec §4.H push algorithm):
//  1. unpack the incoming pack stream into loose objects
//  2. acquire the remote's lock, retrying on contention with exponential
//     backoff (internal/retry)
//  3. upload every received object not already in the state record as a
//     blob, concurrently
//  4. merge the new object→blob entries into the state record
//  5. publish refs, the new state blob, and release the lock atomically
//
// Any failure before step 5 releases the lock (if held) and reports every
// requested ref update as rejected; it is never a fatal protocol error,
// since a push rejection is itself a valid, expected outcome the VCS must
// be told about per-ref.
func (o *Orchestrator) Push(updates []PushRefUpdate, packStream io.Reader) ([]PushResult, error) {
	ctx := context.Background()

	sink := &collectingSink{cache: o.Cache}
	if err := o.Pack.Unpack(packStream, sink); err != nil {
		return rejectAll(updates, err), nil
	}

	if acquireErr := o.acquireLockWithRetry(ctx); acquireErr != nil {
		return rejectAll(updates, fmt.Errorf("could not acquire remote lock: %w", acquireErr)), nil
	}

	published := false
	defer func() {
		if !published {
			if err := o.Ledger.ReleaseLock(ctx, o.RemoteID); err != nil {
				o.logger.Warnf("orchestrator: failed to release lock on %s after aborted push: %v", o.RemoteID, err)
			}
		}
	}()

	desc, err := o.Ledger.ReadDescriptor(ctx, o.RemoteID)
	if err != nil {
		return rejectAll(updates, fmt.Errorf("orchestrator: push: re-read descriptor: %w", err)), nil
	}
	state, err := o.fetchStateRecord(ctx, desc)
	if err != nil {
		return rejectAll(updates, fmt.Errorf("orchestrator: push: load state record: %w", err)), nil
	}

	newEntries, err := o.uploadReceived(ctx, sink.received, state.Objects)
	if err != nil {
		return rejectAll(updates, fmt.Errorf("orchestrator: push: upload objects: %w", err)), nil
	}
	state.Merge(newEntries)

	stateBytes, err := state.Marshal()
	if err != nil {
		return rejectAll(updates, fmt.Errorf("orchestrator: push: marshal state record: %w", err)), nil
	}
	newStateID, err := o.Blobs.Put(ctx, stateBytes)
	if err != nil {
		return rejectAll(updates, fmt.Errorf("orchestrator: push: upload state record: %w", err)), nil
	}

	refUpdates := map[string]ObjectName{}
	var refDeletes []string
	for _, u := range updates {
		if u.Src == "" {
			refDeletes = append(refDeletes, u.Dst)
		} else {
			refUpdates[u.Dst] = ObjectName(u.Src)
		}
	}

	err = o.Ledger.Publish(ctx, PublishRequest{
		RemoteID:       o.RemoteID,
		RefUpdates:     refUpdates,
		RefDeletes:     refDeletes,
		NewStateBlobID: newStateID,
		Release:        true,
	})
	if err != nil {
		return rejectAll(updates, fmt.Errorf("orchestrator: push: publish: %w", err)), nil
	}
	published = true

	results := make([]PushResult, len(updates))
	for i, u := range updates {
		results[i] = PushResult{Ref: u.Dst, OK: true}
	}
	return results, nil
}

// acquireLockWithRetry acquires the remote's lock, retrying on contention
// per internal/retry's schedule. Any other failure (not authorized, RPC
// error) is not retried.
func (o *Orchestrator) acquireLockWithRetry(ctx context.Context) error {
	shouldRetryLock := func(err error) bool {
		lerr, ok := err.(*LockError)
		return ok && lerr.Code == LockHeld
	}
	return retry.Do(ctx, shouldRetryLock, func() error {
		return o.Ledger.AcquireLock(ctx, o.RemoteID, o.LockTimeoutMs)
	})
}

func rejectAll(updates []PushRefUpdate, err error) []PushResult {
	results := make([]PushResult, len(updates))
	for i, u := range updates {
		results[i] = PushResult{Ref: u.Dst, OK: false, Message: err.Error()}
	}
	return results
}

// fetchStateRecord resolves a descriptor's state blob, treating an absent
// id as an empty record (spec §4.H step 1/4).
func (o *Orchestrator) fetchStateRecord(ctx context.Context, desc *Descriptor) (*StateRecord, error) {
	if desc.StateBlobID == "" {
		return NewStateRecord(), nil
	}
	if data, ok, err := o.Cache.GetBlob(desc.StateBlobID); err == nil && ok {
		return Unmarshal(data)
	}
	data, err := o.Blobs.Get(ctx, desc.StateBlobID)
	if err != nil {
		return nil, err
	}
	if err := o.Cache.PutBlob(desc.StateBlobID, data); err != nil {
		o.logger.Warnf("orchestrator: failed to cache state blob %s: %v", desc.StateBlobID, err)
	}
	return Unmarshal(data)
}

// makeResolver returns a graph Resolver that checks the local cache first
// and falls back to the blob store via the state record's object→blob
// index, recording every remote fetch back into the cache.
func (o *Orchestrator) makeResolver(ctx context.Context, state *StateRecord) Resolver {
	return cachedResolver(ctx, o.Cache, o.Blobs, state.Objects, o.logger)
}

// cachedResolver builds a graph Resolver shared by every Backend
// implementation (ledger-backed and local-directory): cache first, then
// the object→blob index, falling back to the blob store and recording the
// result back into the cache.
func cachedResolver(ctx context.Context, cache *LocalCache, blobs BlobStore, objects map[ObjectName]ContentID, lg *logrus.Logger) Resolver {
	return func(name ObjectName) (ObjectType, []byte, error) {
		if typ, payload, ok, err := cache.GetObject(name); err != nil {
			return "", nil, err
		} else if ok {
			return typ, payload, nil
		}

		id, ok := objects[name]
		if !ok {
			return "", nil, &NotFoundError{ContentID: string(name)}
		}

		frame, ok, err := cache.GetBlob(id)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			frame, err = blobs.Get(ctx, id)
			if err != nil {
				return "", nil, err
			}
		}

		typ, payload, gotName, err := DecodeObject(frame)
		if err != nil {
			return "", nil, err
		}
		if gotName != name {
			return "", nil, &IntegrityError{ObjectName: string(name), Reason: "downloaded blob does not match requested object name"}
		}
		if err := cache.Observe(name, typ, payload, id); err != nil {
			lg.Warnf("resolver: failed to cache resolved object %s: %v", name, err)
		}
		return typ, payload, nil
	}
}

// uploadReceived uploads every object unpacked from an incoming push as a
// blob, uploadConcurrency at a time, observing each into the cache as it
// completes. existing is the state record's current object→blob index, so
// objects already published are not re-uploaded.
func (o *Orchestrator) uploadReceived(ctx context.Context, received []receivedObject, existing map[ObjectName]ContentID) (map[ObjectName]ContentID, error) {
	return uploadObjects(ctx, o.Blobs, o.Cache, received, existing)
}

// uploadObjects uploads every received object not already present in
// existing as a blob, uploadConcurrency at a time, observing each into the
// cache as it completes. Shared between the ledger-backed orchestrator and
// the local-directory backend. Per spec §4.H step 5 ("for each object-name
// not already in state.objects"), an object the state record already knows
// about is skipped rather than re-uploaded and relying on BlobStore.Put's
// idempotency.
func uploadObjects(ctx context.Context, blobs BlobStore, cache *LocalCache, received []receivedObject, existing map[ObjectName]ContentID) (map[ObjectName]ContentID, error) {
	entries := make(map[ObjectName]ContentID, len(received))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, r := range received {
		r := r
		if id, ok := existing[r.name]; ok {
			mu.Lock()
			entries[r.name] = id
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			_, frame, err := EncodeObject(r.typ, r.payload)
			if err != nil {
				return err
			}
			id, err := blobs.Put(gctx, frame)
			if err != nil {
				return err
			}
			if err := cache.Observe(r.name, r.typ, r.payload, id); err != nil {
				return err
			}
			mu.Lock()
			entries[r.name] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// receivedObject is one object handed to collectingSink by PackDriver.Unpack.
type receivedObject struct {
	name    ObjectName
	typ     ObjectType
	payload []byte
}

// collectingSink implements ObjectSink, caching each object as it arrives
// and remembering it for the subsequent blob-upload phase.
type collectingSink struct {
	cache    *LocalCache
	received []receivedObject
}

func (s *collectingSink) Put(name ObjectName, typ ObjectType, payload []byte) error {
	if err := s.cache.PutObject(name, typ, payload); err != nil {
		return err
	}
	s.received = append(s.received, receivedObject{name: name, typ: typ, payload: payload})
	return nil
}

// resolverSource adapts a Resolver to the ObjectSource interface the pack
// driver expects.
type resolverSource struct {
	resolve Resolver
}

func (r resolverSource) Get(name ObjectName) (ObjectType, []byte, error) {
	return r.resolve(name)
}
