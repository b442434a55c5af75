package core

// cache.go — dual-indexed local cache (spec §4.F): bridges the remote blob
// store with two on-disk indices over the same payload set, one keyed by
// object-name (the way the VCS itself keys loose objects) and one keyed by
// blob content-id (to avoid re-downloading something already fetched).
//
// Grounded on core/storage.go's diskLRU, extended from a single index to
// two as spec.md §4.F requires while keeping the same temp+rename
// atomicity. The in-memory bucket key uses xxhash the way the AIStore
// fragments in the retrieval pack (ghjramos-aistore/SK-Kadam-aistore) hash
// object names for their local object-store lookups.

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// LocalCache is the advisory dual-indexed on-disk cache of spec §4.F. A
// miss always falls back to the remote blob store; a hit is not verified
// by rehash unless VerifyOnHit is set.
type LocalCache struct {
	mu          sync.RWMutex
	dir         string
	logger      *logrus.Logger
	VerifyOnHit bool
}

func NewLocalCache(dir string, lg *logrus.Logger) (*LocalCache, error) {
	if lg == nil {
		lg = logrus.New()
	}
	byName := filepath.Join(dir, "by-name")
	byBlob := filepath.Join(dir, "by-blob")
	for _, d := range []string{byName, byBlob} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create %s: %w", d, err)
		}
	}
	return &LocalCache{dir: dir, logger: lg}, nil
}

func (c *LocalCache) nameShardPath(name ObjectName) string {
	return filepath.Join(c.dir, "by-name", bucketPrefix(string(name)), string(name))
}

func (c *LocalCache) blobShardPath(id ContentID) string {
	return filepath.Join(c.dir, "by-blob", bucketPrefix(string(id)), hex.EncodeToString([]byte(id)))
}

// bucketPrefix shards entries into 256 subdirectories keyed by an xxhash of
// the identifier, purely to bound per-directory file counts — it has no
// bearing on object identity.
func bucketPrefix(key string) string {
	h := xxhash.Sum64String(key)
	return fmt.Sprintf("%02x", byte(h))
}

// PutObject stores payload under its object-name index. Called when a
// local object is observed (e.g. unpacked from a push).
func (c *LocalCache) PutObject(name ObjectName, typ ObjectType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return atomicWriteFrame(c.nameShardPath(name), typ, payload)
}

// GetObject returns a previously cached object by name, or a cache miss
// (ok=false) if absent.
func (c *LocalCache) GetObject(name ObjectName) (ObjectType, []byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	typ, payload, ok, err := readFrame(c.nameShardPath(name))
	if err != nil || !ok {
		return "", nil, ok, err
	}
	if c.VerifyOnHit {
		_, recomputed, err := EncodeObject(typ, payload)
		if err != nil {
			return "", nil, false, err
		}
		n, _, rName, err := DecodeObject(recomputed)
		if err != nil {
			return "", nil, false, err
		}
		if rName != name || n != typ {
			return "", nil, false, &IntegrityError{ObjectName: string(name), Reason: "cache entry failed rehash verification"}
		}
	}
	return typ, payload, true, nil
}

// PutBlob stores payload under its blob content-id index. Written
// atomically alongside whichever put/download triggered it, per spec §4.F
// ("when a blob is downloaded, both entries are written").
func (c *LocalCache) PutBlob(id ContentID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return atomicWriteRaw(c.blobShardPath(id), payload)
}

// GetBlob returns a previously cached blob by content-id, or a cache miss.
func (c *LocalCache) GetBlob(id ContentID) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.blobShardPath(id)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read blob: %w", err)
	}
	return data, true, nil
}

// Observe records that object `name` was uploaded as blob `id`, writing
// both indices atomically so the two stay consistent (spec §4.F: "when a
// local object is uploaded, the blob-id index is written atomically with
// the put"). The blob index receives the deflated loose-object frame, the
// same bytes the blob store holds under id.
func (c *LocalCache) Observe(name ObjectName, typ ObjectType, payload []byte, id ContentID) error {
	_, frame, err := EncodeObject(typ, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := atomicWriteFrame(c.nameShardPath(name), typ, payload); err != nil {
		return err
	}
	return atomicWriteRaw(c.blobShardPath(id), frame)
}

func atomicWriteFrame(path string, typ ObjectType, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: temp file: %w", err)
	}
	tmpName := tmp.Name()
	header := string(typ) + "\x00"
	if _, err := tmp.WriteString(header); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func readFrame(path string) (ObjectType, []byte, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("cache: read: %w", err)
	}
	nul := indexByte(raw, 0)
	if nul < 0 {
		return "", nil, false, &IntegrityError{Reason: "cache entry missing type delimiter"}
	}
	return ObjectType(raw[:nul]), raw[nul+1:], true, nil
}

func atomicWriteRaw(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
