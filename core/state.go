package core

// state.go — the state record (spec §4.D): the mutable index of
// ref-name → object-name and object-name → blob content-id, serialized
// deterministically because the whole record is itself content-addressed
// when stored via the remote backend.
//
// Grounded on core/ledger.go's snapshot encode/decode discipline (explicit
// field ordering, deterministic replay after a crash).

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// StateRecord is the {refs, objects} pair described in spec §3/§4.D.
type StateRecord struct {
	Refs    map[string]ObjectName
	Objects map[ObjectName]ContentID
}

// NewStateRecord returns an empty state record, used whenever a fetch or
// push encounters an absent state_blob_id (spec §4.H step 1/4: "treat
// absent as empty").
func NewStateRecord() *StateRecord {
	return &StateRecord{
		Refs:    make(map[string]ObjectName),
		Objects: make(map[ObjectName]ContentID),
	}
}

// Marshal serializes the record deterministically: keys sorted, stable
// escaping. A hand-built yaml.Node tree is used instead of yaml.Marshal on
// a Go map because map iteration order is randomized and this record must
// hash identically across processes for the remote backend's content
// addressing to be meaningful.
func (s *StateRecord) Marshal() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	refsNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range sortedStringKeys(s.Refs) {
		refsNode.Content = append(refsNode.Content,
			scalarNode(k), scalarNode(string(s.Refs[k])))
	}

	objsNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range sortedObjectNameKeys(s.Objects) {
		objsNode.Content = append(objsNode.Content,
			scalarNode(string(k)), scalarNode(string(s.Objects[k])))
	}

	root.Content = append(root.Content,
		scalarNode("refs"), refsNode,
		scalarNode("objects"), objsNode,
	)

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("state record: marshal: %w", err)
	}
	return out, nil
}

// Unmarshal decodes a serialized state record. Key order on read is
// irrelevant; only the written form must be canonical.
func Unmarshal(data []byte) (*StateRecord, error) {
	var raw struct {
		Refs    map[string]string `yaml:"refs"`
		Objects map[string]string `yaml:"objects"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("state record: unmarshal: %w", err)
	}
	s := NewStateRecord()
	for k, v := range raw.Refs {
		s.Refs[k] = ObjectName(v)
	}
	for k, v := range raw.Objects {
		s.Objects[ObjectName(k)] = ContentID(v)
	}
	return s, nil
}

// Merge folds newEntries into the object map without removing any existing
// entry (spec §4.H step 6: "do not remove entries").
func (s *StateRecord) Merge(newEntries map[ObjectName]ContentID) {
	for k, v := range newEntries {
		s.Objects[k] = v
	}
}

// DefaultRef picks the ref a fresh clone's HEAD should point at:
// refs/heads/main if present, else the lexicographically first ref, else
// none. Shared by every Backend implementation's list step.
func DefaultRef(refs map[string]ObjectName) string {
	if _, ok := refs["refs/heads/main"]; ok {
		return "refs/heads/main"
	}
	if len(refs) == 0 {
		return ""
	}
	names := make([]string, 0, len(refs))
	for n := range refs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names[0]
}

func scalarNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func sortedStringKeys(m map[string]ObjectName) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedObjectNameKeys(m map[ObjectName]ContentID) []ObjectName {
	keys := make([]ObjectName, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
