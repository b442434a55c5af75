package core

import (
	"bytes"
	"testing"
)

func TestStateRecordRoundTrip(t *testing.T) {
	s := NewStateRecord()
	s.Refs["refs/heads/main"] = "aaaa000000000000000000000000000000000a"
	s.Refs["refs/heads/feat"] = "bbbb000000000000000000000000000000000b"
	s.Objects["aaaa000000000000000000000000000000000a"] = "cid-1"
	s.Objects["bbbb000000000000000000000000000000000b"] = "cid-2"

	out, err := s.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Unmarshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Refs) != 2 || len(got.Objects) != 2 {
		t.Fatalf("round trip lost entries: %+v", got)
	}
	if got.Refs["refs/heads/main"] != s.Refs["refs/heads/main"] {
		t.Errorf("ref mismatch")
	}
}

func TestStateRecordMarshalDeterministic(t *testing.T) {
	s1 := NewStateRecord()
	s1.Refs["refs/heads/b"] = "1"
	s1.Refs["refs/heads/a"] = "2"

	s2 := NewStateRecord()
	s2.Refs["refs/heads/a"] = "2"
	s2.Refs["refs/heads/b"] = "1"

	out1, err := s1.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	out2, err := s2.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out1, out2) {
		t.Fatalf("expected identical serialization regardless of insertion order:\n%s\nvs\n%s", out1, out2)
	}
}

func TestStateRecordMergeDoesNotRemove(t *testing.T) {
	s := NewStateRecord()
	s.Objects["x"] = "cid-x"
	s.Merge(map[ObjectName]ContentID{"y": "cid-y"})
	if len(s.Objects) != 2 {
		t.Fatalf("expected 2 entries after merge, got %d", len(s.Objects))
	}
	if s.Objects["x"] != "cid-x" {
		t.Errorf("merge must not remove existing entries")
	}
}
