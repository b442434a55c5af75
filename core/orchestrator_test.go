package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"git-remote-walrus/internal/retry"
)

type fakeLedger struct {
	desc          *Descriptor
	acquireErr    error
	acquireCalls  int
	releaseCalls  int
	publishErr    error
	publishReq    PublishRequest
	publishCalled bool
}

func (f *fakeLedger) ReadDescriptor(ctx context.Context, remoteID string) (*Descriptor, error) {
	return f.desc, nil
}

func (f *fakeLedger) AcquireLock(ctx context.Context, remoteID string, timeoutMs int64) error {
	f.acquireCalls++
	return f.acquireErr
}

func (f *fakeLedger) ReleaseLock(ctx context.Context, remoteID string) error {
	f.releaseCalls++
	return nil
}

func (f *fakeLedger) Publish(ctx context.Context, req PublishRequest) error {
	f.publishCalled = true
	f.publishReq = req
	return f.publishErr
}

type fakeBlobStore struct {
	blobs map[ContentID][]byte
	next  int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[ContentID][]byte{}}
}

func (f *fakeBlobStore) Put(ctx context.Context, data []byte) (ContentID, error) {
	f.next++
	id := ContentID(fmt.Sprintf("blob-%d", f.next))
	f.blobs[id] = data
	return id, nil
}

func (f *fakeBlobStore) Get(ctx context.Context, id ContentID) ([]byte, error) {
	d, ok := f.blobs[id]
	if !ok {
		return nil, &NotFoundError{ContentID: string(id)}
	}
	return d, nil
}

func (f *fakeBlobStore) Exists(ctx context.Context, id ContentID) (bool, error) {
	_, ok := f.blobs[id]
	return ok, nil
}

func (f *fakeBlobStore) PutMany(ctx context.Context, datas [][]byte) ([]ContentID, error) {
	ids := make([]ContentID, len(datas))
	for i, d := range datas {
		id, _ := f.Put(ctx, d)
		ids[i] = id
	}
	return ids, nil
}

func (f *fakeBlobStore) GetMany(ctx context.Context, ids []ContentID) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		d, err := f.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func testOrchestrator(t *testing.T, ledger ledgerClient, blobs BlobStore) *Orchestrator {
	t.Helper()
	cache, err := NewLocalCache(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Orchestrator{
		RemoteID:      "remote-1",
		Caller:        "0xcaller",
		LockTimeoutMs: 30_000,
		Ledger:        ledger,
		Blobs:         blobs,
		Cache:         cache,
		Pack:          NewPackDriver("git", t.TempDir(), nil),
		logger:        logrus.New(),
	}
}

func TestOrchestratorList(t *testing.T) {
	ledger := &fakeLedger{desc: &Descriptor{
		Refs: map[string]ObjectName{
			"refs/heads/main": "aaaa000000000000000000000000000000000a",
			"refs/heads/dev":  "bbbb000000000000000000000000000000000b",
		},
	}}
	o := testOrchestrator(t, ledger, newFakeBlobStore())
	refs, defaultRef, err := o.List(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Errorf("expected 2 refs, got %d", len(refs))
	}
	if defaultRef != "refs/heads/main" {
		t.Errorf("expected refs/heads/main as default, got %q", defaultRef)
	}
}

func TestOrchestratorListDefaultRefFallsBackToFirstSorted(t *testing.T) {
	ledger := &fakeLedger{desc: &Descriptor{
		Refs: map[string]ObjectName{
			"refs/heads/zzz": "aaaa000000000000000000000000000000000a",
			"refs/heads/aaa": "bbbb000000000000000000000000000000000b",
		},
	}}
	o := testOrchestrator(t, ledger, newFakeBlobStore())
	_, defaultRef, err := o.List(false)
	if err != nil {
		t.Fatal(err)
	}
	if defaultRef != "refs/heads/aaa" {
		t.Errorf("expected lexicographically first ref, got %q", defaultRef)
	}
}

func TestAcquireLockWithRetryExhaustsScheduleOnContention(t *testing.T) {
	orig := retry.Schedule
	retry.Schedule = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { retry.Schedule = orig }()

	ledger := &fakeLedger{
		desc:       &Descriptor{Refs: map[string]ObjectName{}},
		acquireErr: &LockError{RemoteID: "remote-1", Code: LockHeld, Holder: "someone-else"},
	}
	o := testOrchestrator(t, ledger, newFakeBlobStore())

	err := o.acquireLockWithRetry(context.Background())
	if err == nil {
		t.Fatal("expected lock acquisition to fail")
	}
	if ledger.acquireCalls != len(retry.Schedule)+1 {
		t.Errorf("expected %d acquire attempts, got %d", len(retry.Schedule)+1, ledger.acquireCalls)
	}
}

func TestAcquireLockWithRetryDoesNotRetryNotAuthorized(t *testing.T) {
	ledger := &fakeLedger{
		desc:       &Descriptor{Refs: map[string]ObjectName{}},
		acquireErr: &LockError{RemoteID: "remote-1", Code: NotAuthorized, Holder: "caller"},
	}
	o := testOrchestrator(t, ledger, newFakeBlobStore())

	err := o.acquireLockWithRetry(context.Background())
	if err == nil {
		t.Fatal("expected lock acquisition to fail")
	}
	if ledger.acquireCalls != 1 {
		t.Errorf("expected exactly 1 acquire attempt for a non-retryable error, got %d", ledger.acquireCalls)
	}
}

func TestOrchestratorFetchStateRecordEmptyWhenNoBlob(t *testing.T) {
	o := testOrchestrator(t, &fakeLedger{}, newFakeBlobStore())
	state, err := o.fetchStateRecord(context.Background(), &Descriptor{})
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Refs) != 0 || len(state.Objects) != 0 {
		t.Errorf("expected empty state record, got %+v", state)
	}
}

func TestOrchestratorFetchStateRecordCachesRemoteFetch(t *testing.T) {
	blobs := newFakeBlobStore()
	o := testOrchestrator(t, &fakeLedger{}, blobs)

	want := NewStateRecord()
	want.Refs["refs/heads/main"] = "aaaa000000000000000000000000000000000a"
	data, err := want.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	id, err := blobs.Put(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}

	got, err := o.fetchStateRecord(context.Background(), &Descriptor{StateBlobID: id})
	if err != nil {
		t.Fatal(err)
	}
	if got.Refs["refs/heads/main"] != "aaaa000000000000000000000000000000000a" {
		t.Errorf("unexpected state record: %+v", got)
	}
	if _, ok, _ := o.Cache.GetBlob(id); !ok {
		t.Error("expected state blob to be cached after remote fetch")
	}
}

func TestOrchestratorResolverPrefersCacheOverBlobStore(t *testing.T) {
	blobs := newFakeBlobStore()
	o := testOrchestrator(t, &fakeLedger{}, blobs)

	name := ObjectName("aaaa000000000000000000000000000000000a")
	if err := o.Cache.PutObject(name, ObjBlob, []byte("cached-payload")); err != nil {
		t.Fatal(err)
	}

	state := NewStateRecord()
	resolve := o.makeResolver(context.Background(), state)
	typ, payload, err := resolve(name)
	if err != nil {
		t.Fatal(err)
	}
	if typ != ObjBlob || string(payload) != "cached-payload" {
		t.Errorf("expected cache hit payload, got (%s, %q)", typ, payload)
	}
}

func TestOrchestratorResolverFallsBackToBlobStoreAndCaches(t *testing.T) {
	blobs := newFakeBlobStore()
	o := testOrchestrator(t, &fakeLedger{}, blobs)

	name, frame, err := EncodeObject(ObjBlob, []byte("remote-payload"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := blobs.Put(context.Background(), frame)
	if err != nil {
		t.Fatal(err)
	}

	state := NewStateRecord()
	state.Objects[name] = id
	resolve := o.makeResolver(context.Background(), state)

	typ, payload, err := resolve(name)
	if err != nil {
		t.Fatal(err)
	}
	if typ != ObjBlob || string(payload) != "remote-payload" {
		t.Errorf("got (%s, %q)", typ, payload)
	}
	if _, _, ok, _ := o.Cache.GetObject(name); !ok {
		t.Error("expected object to be cached after blob-store fallback")
	}
}

func TestOrchestratorUploadReceivedPopulatesCacheAndEntries(t *testing.T) {
	blobs := newFakeBlobStore()
	o := testOrchestrator(t, &fakeLedger{}, blobs)

	name1, _, err := EncodeObject(ObjBlob, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	name2, _, err := EncodeObject(ObjBlob, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	received := []receivedObject{
		{name: name1, typ: ObjBlob, payload: []byte("one")},
		{name: name2, typ: ObjBlob, payload: []byte("two")},
	}

	entries, err := o.uploadReceived(context.Background(), received, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, name := range []ObjectName{name1, name2} {
		id, ok := entries[name]
		if !ok {
			t.Fatalf("missing entry for %s", name)
		}
		if _, ok, _ := o.Cache.GetBlob(id); !ok {
			t.Errorf("expected blob %s cached for %s", id, name)
		}
	}
}

// spec §4.H step 5: "for each object-name not already in state.objects" —
// an object the state record already knows about must not be re-uploaded.
func TestOrchestratorUploadReceivedSkipsObjectsAlreadyInState(t *testing.T) {
	blobs := newFakeBlobStore()
	o := testOrchestrator(t, &fakeLedger{}, blobs)

	name1, _, err := EncodeObject(ObjBlob, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	name2, _, err := EncodeObject(ObjBlob, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	received := []receivedObject{
		{name: name1, typ: ObjBlob, payload: []byte("one")},
		{name: name2, typ: ObjBlob, payload: []byte("two")},
	}
	existing := map[ObjectName]ContentID{name1: ContentID("already-published")}

	entries, err := o.uploadReceived(context.Background(), received, existing)
	if err != nil {
		t.Fatal(err)
	}
	if blobs.next != 1 {
		t.Errorf("expected exactly one Put call (for name2), got %d", blobs.next)
	}
	if entries[name1] != ContentID("already-published") {
		t.Errorf("expected name1's existing content-id to be preserved, got %q", entries[name1])
	}
	if _, ok := entries[name2]; !ok {
		t.Error("expected name2 to be uploaded and present in entries")
	}
}

