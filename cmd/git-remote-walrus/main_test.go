package main

import (
	"context"
	"testing"

	"git-remote-walrus/internal/config"
)

func TestRemoteHelperArgsRecognizesWalrusURL(t *testing.T) {
	name, url, ok := remoteHelperArgs([]string{"git-remote-walrus", "origin", "walrus::0xabc"})
	if !ok {
		t.Fatal("expected remote-helper form to be recognized")
	}
	if name != "origin" || url != "walrus::0xabc" {
		t.Errorf("got name=%q url=%q", name, url)
	}
}

func TestRemoteHelperArgsRejectsAdminSubcommand(t *testing.T) {
	if _, _, ok := remoteHelperArgs([]string{"git-remote-walrus", "init", "0xabc"}); ok {
		t.Error("expected admin subcommand argv not to be recognized as a remote-helper invocation")
	}
}

func TestRemoteHelperArgsRejectsWrongArgCount(t *testing.T) {
	if _, _, ok := remoteHelperArgs([]string{"git-remote-walrus"}); ok {
		t.Error("expected zero positional args to be rejected")
	}
	if _, _, ok := remoteHelperArgs([]string{"git-remote-walrus", "origin", "walrus::/tmp/x", "extra"}); ok {
		t.Error("expected too many args to be rejected")
	}
}

func TestIsLedgerTarget(t *testing.T) {
	if !isLedgerTarget("0xabc123") {
		t.Error("expected 0x-prefixed target to be a ledger target")
	}
	if isLedgerTarget("/tmp/some/dir") {
		t.Error("expected filesystem path not to be a ledger target")
	}
}

func TestCallerIdentityPrefersEnvOverride(t *testing.T) {
	t.Setenv("WALRUS_CALLER", "alice")
	cfg := &config.Config{SuiWalletPath: "/home/bob/.wallet"}
	if got := callerIdentity(cfg); got != "alice" {
		t.Errorf("got %q, want alice", got)
	}
}

func TestCallerIdentityFallsBackToWalletPath(t *testing.T) {
	cfg := &config.Config{SuiWalletPath: "/home/bob/.wallet"}
	if got := callerIdentity(cfg); got != "/home/bob/.wallet" {
		t.Errorf("got %q", got)
	}
}

// buildBackend must not require sui_wallet_path/walrus_config_path for a
// filesystem-path target: the local-directory backend has no ledger or
// blob-service client of its own (spec.md §6 "local backend equivalence").
func TestBuildBackendLocalTargetNeedsNoLedgerCreds(t *testing.T) {
	cfg := &config.Config{CacheDir: t.TempDir()}
	if _, err := buildBackend(context.Background(), cfg, t.TempDir(), nil); err != nil {
		t.Fatalf("expected local target to build without ledger creds, got %v", err)
	}
}

func TestBuildBackendLedgerTargetRequiresCreds(t *testing.T) {
	cfg := &config.Config{CacheDir: t.TempDir()}
	if _, err := buildBackend(context.Background(), cfg, "0xabc123", nil); err == nil {
		t.Fatal("expected ledger target to fail without sui_wallet_path/walrus_config_path")
	}
}
