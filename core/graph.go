package core

// graph.go — object-graph traversal used by the fetch algorithm (spec
// §4.H step 3: "walk the object graph from <name> locally... for any
// missing object, look up its content-id ... and download").
//
// No single teacher file owns graph traversal; this follows spec.md §3's
// invariant directly ("the object store MUST resolve every object
// transitively reachable from any ref"). Tree/commit/tag parsing is stdlib
// byte parsing because the frame layouts are mandated by the VCS itself,
// the same justification as core/object.go.

import (
	"bytes"
	"fmt"
	"strings"
)

// Resolver fetches a single object's type and payload, from whatever mix
// of cache and blob store the caller wires up.
type Resolver func(name ObjectName) (ObjectType, []byte, error)

// ReachableFrom performs a breadth-first walk of the object graph rooted
// at name, resolving every object along the way, and returns the full set
// of reachable object names (including name itself).
func ReachableFrom(name ObjectName, resolve Resolver) ([]ObjectName, error) {
	seen := map[ObjectName]struct{}{}
	queue := []ObjectName{name}
	order := []ObjectName{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		order = append(order, cur)

		typ, payload, err := resolve(cur)
		if err != nil {
			return nil, fmt.Errorf("graph: resolve %s: %w", cur, err)
		}
		refs, err := referencedObjects(typ, payload)
		if err != nil {
			return nil, fmt.Errorf("graph: parse %s (%s): %w", cur, typ, err)
		}
		for _, r := range refs {
			if _, ok := seen[r]; !ok {
				queue = append(queue, r)
			}
		}
	}
	return order, nil
}

// referencedObjects extracts the object-names directly referenced by a
// decoded object's payload: a commit's tree and parents, a tag's target,
// a tree's entries. Blobs reference nothing.
func referencedObjects(typ ObjectType, payload []byte) ([]ObjectName, error) {
	switch typ {
	case ObjBlob:
		return nil, nil
	case ObjCommit:
		return parseCommitRefs(payload), nil
	case ObjTag:
		return parseTagRefs(payload), nil
	case ObjTree:
		return parseTreeRefs(payload)
	default:
		return nil, &IntegrityError{Reason: fmt.Sprintf("unknown object type %q during graph walk", typ)}
	}
}

func parseCommitRefs(payload []byte) []ObjectName {
	var refs []ObjectName
	lines := strings.Split(string(payload), "\n")
	for _, line := range lines {
		if line == "" {
			break // header ends at first blank line, rest is the message
		}
		if strings.HasPrefix(line, "tree ") {
			refs = append(refs, ObjectName(strings.TrimPrefix(line, "tree ")))
		} else if strings.HasPrefix(line, "parent ") {
			refs = append(refs, ObjectName(strings.TrimPrefix(line, "parent ")))
		}
	}
	return refs
}

func parseTagRefs(payload []byte) []ObjectName {
	lines := strings.Split(string(payload), "\n")
	for _, line := range lines {
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "object ") {
			return []ObjectName{ObjectName(strings.TrimPrefix(line, "object "))}
		}
	}
	return nil
}

// parseTreeRefs parses the binary tree entry format:
// "<mode> <name>\0<20-byte-raw-sha1>" repeated.
func parseTreeRefs(payload []byte) ([]ObjectName, error) {
	var refs []ObjectName
	rest := payload
	for len(rest) > 0 {
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, &IntegrityError{Reason: "truncated tree entry (missing NUL)"}
		}
		header := rest[:nul]
		sp := bytes.IndexByte(header, ' ')
		if sp < 0 {
			return nil, &IntegrityError{Reason: "truncated tree entry (missing mode separator)"}
		}
		rest = rest[nul+1:]
		if len(rest) < 20 {
			return nil, &IntegrityError{Reason: "truncated tree entry (short hash)"}
		}
		refs = append(refs, ObjectName(fmt.Sprintf("%x", rest[:20])))
		rest = rest[20:]
	}
	return refs, nil
}
