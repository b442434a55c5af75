package core

// ledger.go — ledger adapter (spec §4.E).
//
// The ledger itself is an external collaborator (spec.md §1: "the ledger
// client library ... used for transactions" is out of scope); this adapter
// is the client-side wiring around it: a JSON-RPC transport plus the
// typed encoding of call arguments against the on-chain contract's ABI,
// which spec.md explicitly keeps in scope even though the contract source
// is not.
//
// Grounded on core/access_control.go's authorization-check shape (cache +
// authoritative read-through) for the allowlist/owner check, and
// cmd/cli/contract_management.go for how the teacher wires a ledger path
// into a long-lived client.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

func hexEncode(b []byte) string { return "0x" + hex.EncodeToString(b) }

// Lock is the ephemeral, time-leased exclusive hold on a remote descriptor.
type Lock struct {
	Holder      string `json:"holder"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

func (l *Lock) expired(nowMs int64) bool {
	return l == nil || l.ExpiresAtMs <= nowMs
}

// Descriptor is the on-ledger per-remote record of spec §3.
type Descriptor struct {
	Owner       string
	Refs        map[string]ObjectName
	StateBlobID ContentID
	Lock        *Lock
	Allowlist   map[string]struct{}
}

func (d *Descriptor) authorized(caller string) bool {
	if caller == d.Owner {
		return true
	}
	_, ok := d.Allowlist[caller]
	return ok
}

// LedgerAdapter is the client-side wiring to the external ledger described
// in spec §4.E.
type LedgerAdapter struct {
	client    *rpc.Client
	caller    string // this process's principal identifier
	packageID string
	logger    *logrus.Logger
	callABI   abi.Arguments
}

// NewLedgerAdapter dials the ledger's JSON-RPC endpoint. caller is the
// principal identifier this process transacts as (e.g. derived from the
// configured wallet).
func NewLedgerAdapter(ctx context.Context, rpcURL, packageID, caller string, lg *logrus.Logger) (*LedgerAdapter, error) {
	if lg == nil {
		lg = logrus.New()
	}
	client, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger adapter: dial %s: %w", rpcURL, err)
	}
	uintTy, _ := abi.NewType("uint64", "", nil)
	strTy, _ := abi.NewType("string", "", nil)
	return &LedgerAdapter{
		client:    client,
		caller:    caller,
		packageID: packageID,
		logger:    lg,
		callABI: abi.Arguments{
			{Name: "timeoutMs", Type: uintTy},
			{Name: "holder", Type: strTy},
		},
	}, nil
}

// Deploy publishes the contract package once. Returns the package id.
func (a *LedgerAdapter) Deploy(ctx context.Context) (string, error) {
	var packageID string
	if err := a.client.CallContext(ctx, &packageID, "walrus_deploy"); err != nil {
		return "", fmt.Errorf("ledger adapter: deploy: %w", err)
	}
	a.packageID = packageID
	a.logger.Infof("ledger: deployed package %s", packageID)
	return packageID, nil
}

// CreateRemote instantiates a descriptor owned by the caller.
func (a *LedgerAdapter) CreateRemote(ctx context.Context, packageID string) (string, error) {
	var remoteID string
	if err := a.client.CallContext(ctx, &remoteID, "walrus_createRemote", packageID, a.caller); err != nil {
		return "", fmt.Errorf("ledger adapter: create_remote: %w", err)
	}
	a.logger.Infof("ledger: created remote %s (owner %s)", remoteID, a.caller)
	return remoteID, nil
}

// Share converts an owned descriptor into a shared one. Only the owner may
// invoke this; the ledger itself enforces that, this call simply surfaces
// whatever error comes back.
func (a *LedgerAdapter) Share(ctx context.Context, remoteID string, allowlist []string) error {
	if err := a.client.CallContext(ctx, nil, "walrus_share", remoteID, a.caller, allowlist); err != nil {
		return fmt.Errorf("ledger adapter: share: %w", err)
	}
	return nil
}

// ReadDescriptor fetches the current descriptor for remoteID.
func (a *LedgerAdapter) ReadDescriptor(ctx context.Context, remoteID string) (*Descriptor, error) {
	var raw json.RawMessage
	if err := a.client.CallContext(ctx, &raw, "walrus_readDescriptor", remoteID); err != nil {
		return nil, fmt.Errorf("ledger adapter: read_descriptor: %w", err)
	}
	var wire struct {
		Owner       string                `json:"owner"`
		Refs        map[string]ObjectName `json:"refs"`
		StateBlobID ContentID             `json:"state_blob_id"`
		Lock        *Lock                 `json:"lock"`
		Allowlist   []string              `json:"allowlist"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("ledger adapter: decode descriptor: %w", err)
	}
	d := &Descriptor{
		Owner:       wire.Owner,
		Refs:        wire.Refs,
		StateBlobID: wire.StateBlobID,
		Lock:        wire.Lock,
		Allowlist:   make(map[string]struct{}, len(wire.Allowlist)),
	}
	if d.Refs == nil {
		d.Refs = make(map[string]ObjectName)
	}
	for _, p := range wire.Allowlist {
		d.Allowlist[p] = struct{}{}
	}
	return d, nil
}

// AcquireLock installs {holder=caller, expires_at_ms=now+timeoutMs} unless
// an unexpired lock held by someone else already exists, in which case it
// fails with LockHeld. Re-acquiring one's own lock is an idempotent
// refresh (spec §4.E).
func (a *LedgerAdapter) AcquireLock(ctx context.Context, remoteID string, timeoutMs int64) error {
	desc, err := a.ReadDescriptor(ctx, remoteID)
	if err != nil {
		return err
	}
	if !desc.authorized(a.caller) {
		return &LockError{RemoteID: remoteID, Code: NotAuthorized, Holder: a.caller}
	}
	now := time.Now().UnixMilli()
	if desc.Lock != nil && !desc.Lock.expired(now) && desc.Lock.Holder != a.caller {
		return &LockError{RemoteID: remoteID, Code: LockHeld, Holder: desc.Lock.Holder}
	}

	packedArgs, err := a.callABI.Pack(uint64(timeoutMs), a.caller)
	if err != nil {
		return fmt.Errorf("ledger adapter: encode acquire_lock call args: %w", err)
	}

	var ok bool
	if err := a.client.CallContext(ctx, &ok, "walrus_acquireLock", remoteID, hexEncode(packedArgs)); err != nil {
		return fmt.Errorf("ledger adapter: acquire_lock: %w", err)
	}
	if !ok {
		return &LockError{RemoteID: remoteID, Code: LockHeld, Holder: "unknown"}
	}
	return nil
}

// ReleaseLock releases the caller's own lock. Used on error paths.
func (a *LedgerAdapter) ReleaseLock(ctx context.Context, remoteID string) error {
	if err := a.client.CallContext(ctx, nil, "walrus_releaseLock", remoteID, a.caller); err != nil {
		return fmt.Errorf("ledger adapter: release_lock: %w", err)
	}
	return nil
}

// PublishRequest bundles the single atomic transaction spec §4.E describes.
type PublishRequest struct {
	RemoteID       string
	RefUpdates     map[string]ObjectName
	RefDeletes     []string
	NewStateBlobID ContentID
	Release        bool
}

// Publish performs the atomic transaction: (i) asserts the caller holds an
// unexpired lock, (ii) applies ref upserts/deletes, (iii) swaps
// state_blob_id, (iv) if Release, clears the lock. All-or-nothing on the
// ledger side; this call either succeeds completely or returns an error
// with no partial effect.
func (a *LedgerAdapter) Publish(ctx context.Context, req PublishRequest) error {
	var ok bool
	err := a.client.CallContext(ctx, &ok, "walrus_publish",
		req.RemoteID, a.caller, req.RefUpdates, req.RefDeletes, string(req.NewStateBlobID), req.Release)
	if err != nil {
		return fmt.Errorf("ledger adapter: publish: %w", err)
	}
	if !ok {
		return &LockError{RemoteID: req.RemoteID, Code: LockNotHolder, Holder: a.caller}
	}
	return nil
}
