package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLocalDirStorePutGetRoundTrip(t *testing.T) {
	store, err := NewLocalDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	data := []byte("walrus blob contents")

	id, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("got %q, want %q", got, data)
	}
}

func TestLocalDirStorePutIsIdempotent(t *testing.T) {
	store, err := NewLocalDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	data := []byte("same bytes twice")

	id1, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("expected identical bytes to produce the same content-id, got %s and %s", id1, id2)
	}
}

func TestLocalDirStoreExists(t *testing.T) {
	store, err := NewLocalDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id, err := store.Put(ctx, []byte("present"))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := store.Exists(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected Exists to report true for a stored content-id")
	}

	ok, err = store.Exists(ctx, ContentID("never-stored"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected Exists to report false for a content-id never stored")
	}
}

func TestLocalDirStoreGetMissingReturnsNotFoundError(t *testing.T) {
	store, err := NewLocalDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Get(context.Background(), ContentID("never-stored"))
	if err == nil {
		t.Fatal("expected error for missing content-id")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("got %T, want *NotFoundError", err)
	}
}

func TestLocalDirStorePutManyGetMany(t *testing.T) {
	store, err := NewLocalDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	datas := [][]byte{[]byte("one"), []byte("two"), []byte("three")}

	ids, err := store.PutMany(ctx, datas)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != len(datas) {
		t.Fatalf("got %d ids, want %d", len(ids), len(datas))
	}

	got, err := store.GetMany(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range got {
		if string(d) != string(datas[i]) {
			t.Errorf("GetMany[%d] = %q, want %q", i, d, datas[i])
		}
	}
}

func TestRemoteBlobStorePutGetExists(t *testing.T) {
	stored := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/blobs":
			body, _ := io.ReadAll(r.Body)
			handle := "blob-1"
			stored[handle] = body
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"handle":"` + handle + `","epochs_left":5}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/blobs/blob-1":
			w.WriteHeader(http.StatusOK)
			w.Write(stored["blob-1"])
		case r.Method == http.MethodGet && r.URL.Path == "/v1/blobs/missing":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodHead && r.URL.Path == "/v1/blobs/blob-1":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead && r.URL.Path == "/v1/blobs/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := NewRemoteBlobStore(RemoteBlobConfig{GatewayURL: srv.URL}, nil, nil)
	ctx := context.Background()

	id, err := store.Put(ctx, []byte("remote payload"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "blob-1" {
		t.Fatalf("got id %q, want blob-1", id)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote payload" {
		t.Errorf("got %q, want %q", got, "remote payload")
	}

	ok, err := store.Exists(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected Exists to report true for an uploaded handle")
	}

	ok, err = store.Exists(ctx, ContentID("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected Exists to report false for an unknown handle")
	}

	_, err = store.Get(ctx, ContentID("missing"))
	if err == nil {
		t.Fatal("expected error fetching an unknown handle")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("got %T, want *NotFoundError", err)
	}
}
