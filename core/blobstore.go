package core

// blobstore.go — immutable content-addressed blob store (spec §4.C).
//
// Two backends share one interface: a local directory (hex digest content
// ids, temp+rename writes) and a remote blob-service gateway (epoch-bounded
// lifetimes, ledger-addressable handles). Grounded directly on
// core/storage.go's diskLRU + gateway Pin/Retrieve, generalized from a
// single IPFS-gateway-backed Storage struct into an interface with the two
// backends spec.md §4.C names.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"lukechampine.com/blake3"
)

// ContentID is an opaque handle returned by the blob store. The core never
// interprets its structure — different backends use different schemes.
type ContentID string

// BlobStore is the abstract immutable blob store of spec §4.C.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ContentID, error)
	Get(ctx context.Context, id ContentID) ([]byte, error)
	Exists(ctx context.Context, id ContentID) (bool, error)
	PutMany(ctx context.Context, datas [][]byte) ([]ContentID, error)
	GetMany(ctx context.Context, ids []ContentID) ([][]byte, error)
}

// ---------------------------------------------------------------------
// Local directory backend
// ---------------------------------------------------------------------

// LocalDirStore implements BlobStore over a plain directory. The content-id
// is the hex of a 256-bit blake3 digest of the bytes; writes go to a
// temporary file and are renamed into place so a crash never leaves a
// partially-written blob visible under its final name.
type LocalDirStore struct {
	Dir    string
	Logger *logrus.Logger
}

func NewLocalDirStore(dir string, lg *logrus.Logger) (*LocalDirStore, error) {
	if lg == nil {
		lg = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	return &LocalDirStore{Dir: dir, Logger: lg}, nil
}

func localDigest(data []byte) ContentID {
	sum := blake3.Sum256(data)
	return ContentID(hex.EncodeToString(sum[:]))
}

func (s *LocalDirStore) path(id ContentID) string {
	return filepath.Join(s.Dir, string(id))
}

func (s *LocalDirStore) Put(_ context.Context, data []byte) (ContentID, error) {
	id := localDigest(data)
	dst := s.path(id)
	if _, err := os.Stat(dst); err == nil {
		// Idempotent: identical bytes already stored, no additional I/O.
		return id, nil
	}

	tmp, err := os.CreateTemp(s.Dir, "put-*.tmp")
	if err != nil {
		return "", fmt.Errorf("blobstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}
	return id, nil
}

func (s *LocalDirStore) Get(_ context.Context, id ContentID) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{ContentID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	return data, nil
}

func (s *LocalDirStore) Exists(_ context.Context, id ContentID) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalDirStore) PutMany(ctx context.Context, datas [][]byte) ([]ContentID, error) {
	ids := make([]ContentID, len(datas))
	for i, d := range datas {
		id, err := s.Put(ctx, d)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *LocalDirStore) GetMany(ctx context.Context, ids []ContentID) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Remote blob-service backend
// ---------------------------------------------------------------------

// RemoteBlobConfig configures the epoch-bounded remote blob gateway.
type RemoteBlobConfig struct {
	GatewayURL          string
	DefaultEpochs       int           // spec default: 5
	WarningThreshold    int           // spec default: 10
	Timeout             time.Duration // spec default: 30s
}

// RemoteBlobStore implements BlobStore over an HTTP blob-service gateway.
// Bytes are uploaded with a lifetime in epochs; the gateway returns a
// ledger-addressable handle, which is used unchanged as the content-id. A
// CIDv1 of the bytes is sent alongside each upload in the X-Blob-Cid header.
type RemoteBlobStore struct {
	cfg    RemoteBlobConfig
	client *http.Client
	logger *logrus.Logger
	zlog   *zap.Logger
}

func NewRemoteBlobStore(cfg RemoteBlobConfig, lg *logrus.Logger, zlog *zap.Logger) *RemoteBlobStore {
	if cfg.DefaultEpochs <= 0 {
		cfg.DefaultEpochs = 5
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if lg == nil {
		lg = logrus.New()
	}
	if zlog == nil {
		zlog, _ = zap.NewProduction()
	}
	return &RemoteBlobStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: lg,
		zlog:   zlog,
	}
}

type remoteUploadResponse struct {
	Handle        string `json:"handle"`
	EpochsLeft    int    `json:"epochs_left"`
	RegisteredObj string `json:"registered_object,omitempty"`
}

func remoteCID(data []byte) (cid.Cid, error) {
	encodedMH, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, encodedMH), nil
}

func (s *RemoteBlobStore) Put(ctx context.Context, data []byte) (ContentID, error) {
	c, err := remoteCID(data)
	if err != nil {
		return "", fmt.Errorf("blobstore: compute cid: %w", err)
	}

	url := fmt.Sprintf("%s/v1/blobs?epochs=%d", s.cfg.GatewayURL, s.cfg.DefaultEpochs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Blob-Cid", c.String())
	req.Header.Set("X-Idempotency-Key", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("blobstore: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("blobstore: gateway upload %d: %s", resp.StatusCode, string(b))
	}
	var out remoteUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("blobstore: decode upload response: %w", err)
	}

	if out.EpochsLeft > 0 && out.EpochsLeft <= s.cfg.WarningThreshold {
		s.logger.Warnf("blobstore: blob %s has only %d epochs left", out.Handle, out.EpochsLeft)
	}
	s.zlog.Info("blob uploaded", zap.String("handle", out.Handle), zap.Int("bytes", len(data)))
	return ContentID(out.Handle), nil
}

func (s *RemoteBlobStore) Get(ctx context.Context, id ContentID) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/blobs/%s", s.cfg.GatewayURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blobstore: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, &NotFoundError{ContentID: string(id)}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("blobstore: gateway fetch %d: %s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read body: %w", err)
	}
	s.zlog.Info("blob downloaded", zap.String("handle", string(id)), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *RemoteBlobStore) Exists(ctx context.Context, id ContentID) (bool, error) {
	url := fmt.Sprintf("%s/v1/blobs/%s", s.cfg.GatewayURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("blobstore: probe: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (s *RemoteBlobStore) PutMany(ctx context.Context, datas [][]byte) ([]ContentID, error) {
	ids := make([]ContentID, len(datas))
	for i, d := range datas {
		id, err := s.Put(ctx, d)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *RemoteBlobStore) GetMany(ctx context.Context, ids []ContentID) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
