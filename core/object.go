package core

// object.go — loose-object codec (spec §4.A).
//
// Encodes/decodes the VCS's canonical loose-object framing:
//
//	"<type> <size>\0<payload>"
//
// deflate-compressed for on-disk or on-blob-store storage. The object name
// is the 40-hex SHA-1 of the *uncompressed* framing — byte-exact with what
// the VCS itself computes, which is why this hashes the frame exactly as
// built here rather than trusting any upstream digest.

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
)

// ObjectType is one of the four object kinds a VCS object graph contains.
type ObjectType string

const (
	ObjCommit ObjectType = "commit"
	ObjTree   ObjectType = "tree"
	ObjBlob   ObjectType = "blob"
	ObjTag    ObjectType = "tag"
)

func (t ObjectType) valid() bool {
	switch t {
	case ObjCommit, ObjTree, ObjBlob, ObjTag:
		return true
	default:
		return false
	}
}

// ObjectName is the 40-character lowercase hex identifier of a VCS object.
type ObjectName string

// EncodeObject builds the canonical frame for (type, payload), hashes it to
// produce the object name, then deflate-compresses the frame. Returns the
// object name and the compressed bytes ready for disk or blob-store
// storage.
func EncodeObject(typ ObjectType, payload []byte) (ObjectName, []byte, error) {
	if !typ.valid() {
		return "", nil, &IntegrityError{Reason: fmt.Sprintf("unknown object type %q", typ)}
	}

	header := fmt.Sprintf("%s %d\x00", typ, len(payload))
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	name := hashFrame(frame)

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(frame); err != nil {
		return "", nil, fmt.Errorf("object codec: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("object codec: deflate close: %w", err)
	}
	return name, compressed.Bytes(), nil
}

// DecodeObject inflates a stored frame, parses its header, verifies the
// declared length against the actual payload, and returns the type,
// payload, and recomputed object name.
func DecodeObject(framedBytes []byte) (ObjectType, []byte, ObjectName, error) {
	r, err := zlib.NewReader(bytes.NewReader(framedBytes))
	if err != nil {
		return "", nil, "", fmt.Errorf("object codec: inflate: %w", err)
	}
	defer r.Close()

	frame, err := io.ReadAll(r)
	if err != nil {
		return "", nil, "", fmt.Errorf("object codec: inflate read: %w", err)
	}

	nul := bytes.IndexByte(frame, 0)
	if nul < 0 {
		return "", nil, "", &IntegrityError{Reason: "loose object missing header delimiter"}
	}
	header := string(frame[:nul])
	payload := frame[nul+1:]

	var typStr string
	var size int
	if _, err := fmt.Sscanf(header, "%s %d", &typStr, &size); err != nil {
		return "", nil, "", &IntegrityError{Reason: fmt.Sprintf("malformed header %q", header)}
	}
	typ := ObjectType(typStr)
	if !typ.valid() {
		return "", nil, "", &IntegrityError{Reason: fmt.Sprintf("unknown object type %q", typStr)}
	}
	if size != len(payload) {
		return "", nil, "", &IntegrityError{Reason: fmt.Sprintf("length mismatch: header says %d, got %d", size, len(payload))}
	}

	name := hashFrame(frame)
	return typ, payload, name, nil
}

func hashFrame(frame []byte) ObjectName {
	sum := sha1.Sum(frame)
	return ObjectName(hex.EncodeToString(sum[:]))
}
