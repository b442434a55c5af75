package core

// pack.go — pack driver (spec §4.B).
//
// Pack construction/deconstruction is delegated to the VCS binary itself;
// this driver's job is to stand up a transient working tree, pipe bytes to
// and from the VCS child process, and hand loose objects to whatever
// ObjectSink receives them. It decodes objects only to verify their names
// and never modifies object bytes.
//
// Grounded on core/contracts.go's CompileWASM, which shells out to an
// external binary (wat2wasm) around file-based I/O — the same
// "delegate the hard format to an external tool" shape used here for the
// VCS binary.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ObjectSink receives (name, type, decoded payload) tuples unpacked from an
// incoming pack. Implemented by the local cache / orchestrator.
type ObjectSink interface {
	Put(name ObjectName, typ ObjectType, payload []byte) error
}

// ObjectSource resolves a wanted object-name to its type and decompressed
// payload, which Pack then materializes into its scratch object directory.
type ObjectSource interface {
	Get(name ObjectName) (ObjectType, []byte, error)
}

// PackDriver orchestrates the VCS child processes used to turn a push
// stream into loose objects and a fetch request into a pack stream.
type PackDriver struct {
	// VCSBinary is the executable invoked for pack (de)construction,
	// normally "git" resolved from PATH.
	VCSBinary string
	// ScratchRoot is the parent directory under which transient working
	// trees are created. Defaults to os.TempDir() when empty.
	ScratchRoot string
	Logger      *logrus.Logger
}

func NewPackDriver(vcsBinary, scratchRoot string, lg *logrus.Logger) *PackDriver {
	if vcsBinary == "" {
		vcsBinary = "git"
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &PackDriver{VCSBinary: vcsBinary, ScratchRoot: scratchRoot, Logger: lg}
}

// workTree creates and returns a fresh throwaway VCS repository skeleton,
// plus a cleanup func that MUST be called on every exit path.
func (d *PackDriver) workTree() (dir string, cleanup func(), err error) {
	root := d.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	dir = filepath.Join(root, "walrus-pack-"+uuid.NewString())
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("pack driver: create scratch dir: %w", err)
	}
	cleanup = func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			d.Logger.Warnf("pack driver: failed to remove scratch dir %s: %v", dir, rmErr)
		}
	}

	init := exec.Command(d.VCSBinary, "init", "--quiet", "--bare", dir)
	if out, err := init.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, &PackError{Op: "init", ExitCode: exitCode(err), Stderr: string(out), Err: err}
	}
	return dir, cleanup, nil
}

// Unpack ingests a push stream: it launches the VCS's "unpack objects from
// pack" child with stdin connected to r, then enumerates every loose object
// left in the scratch repository and feeds it to sink.
func (d *PackDriver) Unpack(r io.Reader, sink ObjectSink) error {
	dir, cleanup, err := d.workTree()
	if err != nil {
		return err
	}
	defer cleanup()

	cmd := exec.Command(d.VCSBinary, "unpack-objects", "-q")
	cmd.Dir = dir
	cmd.Stdin = r
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_DIR="+dir)

	if err := cmd.Run(); err != nil {
		return &PackError{Op: "unpack", ExitCode: exitCode(err), Stderr: stderr.String(), Err: err}
	}

	return d.walkLooseObjects(dir, sink)
}

// Pack emits a fetch response: it materializes each wanted object from
// source into the scratch repository's object directory, then launches the
// VCS's "create pack from object list" child, streaming its stdout
// straight to w.
func (d *PackDriver) Pack(wanted []ObjectName, source ObjectSource, w io.Writer) error {
	dir, cleanup, err := d.workTree()
	if err != nil {
		return err
	}
	defer cleanup()

	for _, name := range wanted {
		typ, payload, err := source.Get(name)
		if err != nil {
			return err
		}
		if err := writeLooseObject(dir, name, typ, payload); err != nil {
			return err
		}
	}

	cmd := exec.Command(d.VCSBinary, "pack-objects", "--stdout", "-q")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_DIR="+dir)

	var stdin bytes.Buffer
	for _, name := range wanted {
		stdin.WriteString(string(name))
		stdin.WriteByte('\n')
	}
	cmd.Stdin = &stdin
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &PackError{Op: "pack", ExitCode: exitCode(err), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// writeLooseObject materializes a single loose object under dir's object
// store using the VCS's own "hash-object -w" plumbing so the on-disk
// layout matches exactly what pack-objects expects.
func writeLooseObject(dir string, name ObjectName, typ ObjectType, payload []byte) error {
	cmd := exec.Command("git", "hash-object", "-w", "-t", string(typ), "--stdin")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_DIR="+dir)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &PackError{Op: "hash-object", ExitCode: exitCode(err), Stderr: stderr.String(), Err: err}
	}
	got := ObjectName(bytes.TrimSpace(stdout.Bytes()))
	if got != name {
		return &IntegrityError{ObjectName: string(name), Reason: fmt.Sprintf("materialized object hashed to %s", got)}
	}
	return nil
}

// walkLooseObjects enumerates loose objects under dir/objects/xx/yyyy...,
// reads each one's raw on-disk frame, and decodes it before handing it to
// sink. The VCS names loose objects by their hash itself, so no additional
// identification work is needed beyond what DecodeObject already performs.
func (d *PackDriver) walkLooseObjects(dir string, sink ObjectSink) error {
	objDir := filepath.Join(dir, "objects")
	entries, err := os.ReadDir(objDir)
	if err != nil {
		return fmt.Errorf("pack driver: read object dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		shard := filepath.Join(objDir, e.Name())
		files, err := os.ReadDir(shard)
		if err != nil {
			return fmt.Errorf("pack driver: read shard %s: %w", shard, err)
		}
		for _, f := range files {
			raw, err := os.ReadFile(filepath.Join(shard, f.Name()))
			if err != nil {
				return fmt.Errorf("pack driver: read object: %w", err)
			}
			typ, payload, name, err := DecodeObject(raw)
			if err != nil {
				return err
			}
			if string(name) != e.Name()+f.Name() {
				return &IntegrityError{ObjectName: string(name), Reason: "on-disk path does not match recomputed hash"}
			}
			if err := sink.Put(name, typ, payload); err != nil {
				return fmt.Errorf("pack driver: sink.Put(%s): %w", name, err)
			}
		}
	}
	return nil
}

func exitCode(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
