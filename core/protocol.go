package core

// protocol.go — remote-helper protocol engine (spec §4.G).
//
// A line-oriented state machine reading commands from stdin and writing
// responses to stdout; diagnostics go to stderr. Decoupled from the
// orchestrator behind a small Backend interface so the state machine
// itself can be tested without spawning a VCS child process.
//
// Grounded on cmd/cli/storage.go's command-dispatch shape, translated from
// cobra flag dispatch to line-token dispatch since the VCS's remote-helper
// protocol is not a flag grammar. Uses only stdlib bufio/io — spec.md §4.G
// fully specifies this protocol; nothing in the pack or wider ecosystem
// owns "VCS remote-helper protocol parsing".

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// FetchRequest is one `fetch <name> <ref>` line.
type FetchRequest struct {
	Name ObjectName
	Ref  string
}

// PushRefUpdate is one `push <src>:<dst>` line. Src is empty for a ref
// deletion (`:<dst>`).
type PushRefUpdate struct {
	Src string
	Dst string
}

// PushResult is the outcome of one ref update, reported back to the VCS.
type PushResult struct {
	Ref     string
	OK      bool
	Message string
}

// Backend is implemented by the ledger-backed push/fetch orchestrator
// (core/orchestrator.go) and by the local-directory backend
// (core/localbackend.go), selected by the remote URL's target (spec §6).
type Backend interface {
	List(forPush bool) (refs map[string]ObjectName, defaultRef string, err error)
	Fetch(reqs []FetchRequest, out io.Writer) error
	Push(updates []PushRefUpdate, packStream io.Reader) ([]PushResult, error)
}

var capabilities = []string{
	"fetch",
	"push",
	"refspec refs/heads/*:refs/heads/*",
	"refspec refs/tags/*:refs/tags/*",
}

// Engine is the line-oriented state machine of spec §4.G. import/export
// capabilities are never advertised: the fast-export textual format drops
// cryptographic signatures and cannot round-trip commit identity (spec §9).
type Engine struct {
	r       *bufio.Reader
	w       io.Writer
	backend Backend
	logger  *logrus.Logger
}

func NewEngine(r io.Reader, w io.Writer, backend Backend, lg *logrus.Logger) *Engine {
	if lg == nil {
		lg = logrus.New()
	}
	return &Engine{r: bufio.NewReader(r), w: w, backend: backend, logger: lg}
}

// Run drives the state machine to completion (EOF on stdin) or until a
// ProtocolError forces an early, fatal exit.
func (e *Engine) Run() error {
	for {
		line, err := e.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("protocol engine: read: %w", err)
		}

		switch {
		case line == "":
			// A bare blank line with nothing pending is a clean terminator.
			continue
		case line == "capabilities":
			if err := e.emitCapabilities(); err != nil {
				return err
			}
		case line == "list" || line == "list for-push":
			if err := e.handleList(line == "list for-push"); err != nil {
				return err
			}
		case strings.HasPrefix(line, "option "):
			if err := e.handleOption(line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "fetch "):
			if err := e.handleFetchBatch(line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "push "):
			if err := e.handlePushBatch(line); err != nil {
				return err
			}
		default:
			return &ProtocolError{Command: line, Reason: "unrecognized command"}
		}
	}
}

func (e *Engine) readLine() (string, error) {
	line, err := e.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		if err != io.EOF {
			return "", err
		}
	}
	return strings.TrimRight(line, "\n"), nil
}

func (e *Engine) emitCapabilities() error {
	for _, c := range capabilities {
		if _, err := fmt.Fprintf(e.w, "%s\n", c); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(e.w, "\n")
	return err
}

func (e *Engine) handleList(forPush bool) error {
	refs, defaultRef, err := e.backend.List(forPush)
	if err != nil {
		return fmt.Errorf("protocol engine: list: %w", err)
	}
	for name, oid := range refs {
		if _, err := fmt.Fprintf(e.w, "%s %s\n", oid, name); err != nil {
			return err
		}
	}
	if defaultRef != "" {
		if _, err := fmt.Fprintf(e.w, "@%s HEAD\n", defaultRef); err != nil {
			return err
		}
	}
	_, err = fmt.Fprint(e.w, "\n")
	return err
}

func (e *Engine) handleOption(line string) error {
	// No options are currently supported; every option is rejected
	// uniformly so the VCS falls back to its own default behavior.
	_, err := fmt.Fprint(e.w, "unsupported\n")
	return err
}

func (e *Engine) handleFetchBatch(first string) error {
	reqs := []FetchRequest{}
	line := first
	for {
		if line != "" {
			req, err := parseFetch(line)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		} else {
			break
		}
		var err error
		line, err = e.readLine()
		if err != nil {
			return fmt.Errorf("protocol engine: read fetch batch: %w", err)
		}
	}
	if err := e.backend.Fetch(reqs, e.w); err != nil {
		return fmt.Errorf("protocol engine: fetch: %w", err)
	}
	_, err := fmt.Fprint(e.w, "\n")
	return err
}

func (e *Engine) handlePushBatch(first string) error {
	updates := []PushRefUpdate{}
	line := first
	for {
		if line != "" {
			u, err := parsePush(line)
			if err != nil {
				return err
			}
			updates = append(updates, u)
		} else {
			break
		}
		var err error
		line, err = e.readLine()
		if err != nil {
			return fmt.Errorf("protocol engine: read push batch: %w", err)
		}
	}
	results, err := e.backend.Push(updates, e.r)
	if err != nil {
		return fmt.Errorf("protocol engine: push: %w", err)
	}
	for _, res := range results {
		if res.OK {
			if _, err := fmt.Fprintf(e.w, "ok %s\n", res.Ref); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(e.w, "error %s %s\n", res.Ref, res.Message); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprint(e.w, "\n")
	return err
}

func parseFetch(line string) (FetchRequest, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "fetch" {
		return FetchRequest{}, &ProtocolError{Command: line, Reason: "malformed fetch command"}
	}
	return FetchRequest{Name: ObjectName(fields[1]), Ref: fields[2]}, nil
}

func parsePush(line string) (PushRefUpdate, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "push" {
		return PushRefUpdate{}, &ProtocolError{Command: line, Reason: "malformed push command"}
	}
	parts := strings.SplitN(fields[1], ":", 2)
	if len(parts) != 2 {
		return PushRefUpdate{}, &ProtocolError{Command: line, Reason: "push refspec missing ':'"}
	}
	return PushRefUpdate{Src: parts[0], Dst: parts[1]}, nil
}
