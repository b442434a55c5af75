// Command git-remote-walrus is both the VCS remote helper (spec §4.G) and
// the administrative CLI (spec §6: "CLI surface (minimal)").
//
// Grounded on cmd/synnergy/main.go's root-command assembly and
// cmd/cli/contract_management.go's middleware shape: an optional .env
// preamble, flags/env resolved into a long-lived dependency, then handed
// off to the actual operation. The remote-helper invocation itself
// (`git-remote-walrus <remote-name> <url>`) is not a cobra subcommand — it
// is the two-positional-argument form the VCS spawns directly — so it is
// detected ahead of cobra dispatch, the same way a shell script would
// special-case argv before delegating to a flag parser.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"git-remote-walrus/core"
	"git-remote-walrus/internal/config"
)

// defaultLockTimeoutMs is the lease duration new locks are requested with
// (spec §6: "Locks are ephemeral and bounded by wall-clock lease (default
// 300,000 ms)").
const defaultLockTimeoutMs = 300_000

func main() {
	if remoteName, url, ok := remoteHelperArgs(os.Args); ok {
		lg := logrus.New()
		if err := runRemoteHelper(remoteName, url, lg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// remoteHelperArgs recognizes the VCS's own invocation shape: exactly two
// positional arguments, the second a `walrus::<target>` URL. Anything else
// (zero args, or the first positional argument one of the administrative
// subcommand names) falls through to cobra dispatch. A pure function so
// the detection logic is testable without touching os.Args or stdio.
func remoteHelperArgs(argv []string) (remoteName, url string, ok bool) {
	if len(argv) != 3 {
		return "", "", false
	}
	if !strings.HasPrefix(argv[2], "walrus::") {
		return "", "", false
	}
	return argv[1], argv[2], true
}

// isLedgerTarget reports whether target (the part of the URL after
// `walrus::`) names a ledger object id rather than a filesystem path
// (spec §6: "either a hex ledger object id (0x…) ... or a filesystem
// path").
func isLedgerTarget(target string) bool {
	return strings.HasPrefix(target, "0x")
}

// runRemoteHelper drives the protocol engine to completion against
// whichever backend the URL target selects.
func runRemoteHelper(remoteName, url string, lg *logrus.Logger) error {
	_ = remoteName // unused: the helper addresses the remote purely by URL

	target := strings.TrimPrefix(url, "walrus::")
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("git-remote-walrus: %w", err)
	}
	if err := cfg.EnsureCacheDir(); err != nil {
		return fmt.Errorf("git-remote-walrus: %w", err)
	}

	ctx := context.Background()
	backend, err := buildBackend(ctx, cfg, target, lg)
	if err != nil {
		return fmt.Errorf("git-remote-walrus: %w", err)
	}

	engine := core.NewEngine(os.Stdin, os.Stdout, backend, lg)
	return engine.Run()
}

// buildBackend selects and constructs the Backend (core/protocol.go)
// matching the URL target: the ledger-backed orchestrator for a `0x…`
// remote object id, or the local-directory backend for a filesystem path.
func buildBackend(ctx context.Context, cfg *config.Config, target string, lg *logrus.Logger) (core.Backend, error) {
	if !isLedgerTarget(target) {
		return core.NewLocalBackend(target, lg)
	}
	if err := cfg.RequireLedgerCreds(); err != nil {
		return nil, err
	}

	// sui_wallet_path doubles as the ledger's JSON-RPC endpoint: spec.md §6
	// calls it "ledger client credentials location" and leaves the wallet
	// client itself out of scope (spec §1), so the configured path is
	// passed straight through rather than parsed.
	caller := callerIdentity(cfg)
	ledger, err := core.NewLedgerAdapter(ctx, cfg.SuiWalletPath, cfg.PackageID, caller, lg)
	if err != nil {
		return nil, err
	}
	blobs := core.NewRemoteBlobStore(cfg.RemoteBlobConfig(cfg.WalrusConfigPath), lg, nil)
	cache, err := core.NewLocalCache(cfg.CacheDir, lg)
	if err != nil {
		return nil, err
	}
	pack := core.NewPackDriver("git", "", lg)
	return core.NewOrchestrator(target, caller, defaultLockTimeoutMs, ledger, blobs, cache, pack, lg), nil
}

// callerIdentity resolves the principal this process transacts as.
// WALRUS_CALLER overrides; otherwise the configured sui_wallet_path string,
// unchanged, stands in for the wallet's own address (spec §4.E leaves the
// caller's identity derivation to the wallet client, which is out of
// scope per spec §1).
func callerIdentity(cfg *config.Config) string {
	if v := os.Getenv("WALRUS_CALLER"); v != "" {
		return v
	}
	return cfg.SuiWalletPath
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "git-remote-walrus",
		Short: "VCS remote helper and admin CLI for the Walrus storage backend",
	}
	root.AddCommand(deployCmd())
	root.AddCommand(initCmd())
	root.AddCommand(configCmd())
	return root
}

// deployCmd publishes the contract package once (spec §4.E "deploy()").
// The contract's own source is out of scope (spec §1: "the on-ledger
// smart contract source ... is not [in scope]") — this command has no
// WASM bytes of its own to compile, so unlike
// cmd/cli/contract_management.go's wasmer.NewEngine bring-up ahead of a
// real module load, there is nothing here for a wasmer engine to do; it
// is not wired into this command (see DESIGN.md).
func deployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "publish the on-ledger contract package",
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := logrus.New()
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			if err := cfg.RequireLedgerCreds(); err != nil {
				return err
			}

			ledger, err := core.NewLedgerAdapter(cmd.Context(), cfg.SuiWalletPath, cfg.PackageID, callerIdentity(cfg), lg)
			if err != nil {
				return err
			}
			packageID, err := ledger.Deploy(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), packageID)
			return nil
		},
	}
}

// initCmd creates a remote descriptor (spec §4.E "create_remote", "share").
func initCmd() *cobra.Command {
	var shared bool
	var allow []string

	cmd := &cobra.Command{
		Use:   "init <package-id>",
		Short: "create a remote descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := logrus.New()
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			if err := cfg.RequireLedgerCreds(); err != nil {
				return err
			}
			packageID := args[0]

			ledger, err := core.NewLedgerAdapter(cmd.Context(), cfg.SuiWalletPath, packageID, callerIdentity(cfg), lg)
			if err != nil {
				return err
			}
			remoteID, err := ledger.CreateRemote(cmd.Context(), packageID)
			if err != nil {
				return err
			}
			if shared && len(allow) > 0 {
				if err := ledger.Share(cmd.Context(), remoteID, allow); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), remoteID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "share the remote with the given allowlist")
	cmd.Flags().StringArrayVar(&allow, "allow", nil, "principal to add to the allowlist (repeatable)")
	return cmd
}

// configCmd prints or edits the resolved configuration (spec §6 "config
// [--edit]").
func configCmd() *cobra.Command {
	var edit bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "print or edit the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			if !edit {
				fmt.Fprintf(cmd.OutOrStdout(), "sui_wallet_path: %s\n", cfg.SuiWalletPath)
				fmt.Fprintf(cmd.OutOrStdout(), "walrus_config_path: %s\n", cfg.WalrusConfigPath)
				fmt.Fprintf(cmd.OutOrStdout(), "cache_dir: %s\n", cfg.CacheDir)
				fmt.Fprintf(cmd.OutOrStdout(), "default_epochs: %d\n", cfg.DefaultEpochs)
				fmt.Fprintf(cmd.OutOrStdout(), "expiration_warning_threshold: %d\n", cfg.ExpirationWarningThreshold)
				fmt.Fprintf(cmd.OutOrStdout(), "package_id: %s\n", cfg.PackageID)
				return nil
			}
			return openEditor(configFilePath())
		},
	}
	cmd.Flags().BoolVar(&edit, "edit", false, "open the configuration file in $EDITOR")
	return cmd
}

func configFilePath() string {
	return os.Getenv("WALRUS_CONFIG_FILE")
}

func openEditor(path string) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	if path == "" {
		return fmt.Errorf("git-remote-walrus: no config file path known; set WALRUS_CONFIG_FILE")
	}
	c := exec.Command(editor, path)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
