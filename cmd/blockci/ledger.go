package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"blockci/internal/blockchain"
	"blockci/internal/config"
	"blockci/internal/security"
)

func newLedgerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the signed execution ledger",
	}
	cmd.AddCommand(
		newLedgerVerifyCmd(opts),
		newLedgerInspectCmd(opts),
		newLedgerKeygenCmd(opts),
		newLedgerTamperCmd(opts),
	)
	return cmd
}

// openLedgerReadOnly opens the configured ledger with only the public key,
// so it can be verified but never appended to.
func openLedgerReadOnly(opts *options) (*config.Config, *blockchain.Ledger, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	keys, err := security.LoadPublicKey(cfg.Ledger.KeysDir)
	if err != nil {
		return nil, nil, setupError(err)
	}
	if _, err := os.Stat(cfg.Ledger.Path); err != nil {
		return nil, nil, setupError(err)
	}
	l, err := blockchain.OpenLedger(cfg.Ledger.Path, keys)
	if err != nil {
		return nil, nil, setupError(err)
	}
	return cfg, l, nil
}

func newLedgerVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash, link and signature of the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, l, err := openLedgerReadOnly(opts)
			if err != nil {
				return err
			}
			if err := l.VerifyChain(); err != nil {
				return &exitError{code: exitFailed, err: fmt.Errorf("verification failed: %w", err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger %s verified: %d blocks\n", l.Path(), l.Len())
			return nil
		},
	}
}

func newLedgerInspectCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the blocks of the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, l, err := openLedgerReadOnly(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, b := range l.Blocks() {
				if asJSON {
					line, _ := json.Marshal(b)
					fmt.Fprintln(out, string(line))
					continue
				}
				detail := b.Status
				if b.Kind == blockchain.KindStep {
					detail = fmt.Sprintf("%q exit=%d", b.Command, b.ExitCode)
				}
				fmt.Fprintf(out, "%4d %-4s run=%s job=%s %s hash=%s\n", b.Index, b.Kind, b.RunID, b.Job, detail, short(b.Hash))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw blocks")
	return cmd
}

func newLedgerKeygenCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key pair that signs ledger blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Ledger.KeysDir
			if _, err := security.LoadPublicKey(dir); err == nil && !force {
				return setupError(fmt.Errorf("keys already exist in %s (use --force to replace them)", dir))
			}
			k, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := security.SaveKeyPair(k, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key pair to %s\npublic key: %s\n", dir, k.PublicHex())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace existing keys")
	return cmd
}

// tamper corrupts one block in place, to demonstrate that verify catches it.
func newLedgerTamperCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:    "tamper <index>",
		Short:  "Corrupt the log hash of one block",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return setupError(err)
			}
			cfg, l, err := openLedgerReadOnly(opts)
			if err != nil {
				return err
			}
			blocks := l.Blocks()
			if idx < 0 || idx >= len(blocks) {
				return setupError(fmt.Errorf("invalid block index %d", idx))
			}
			blocks[idx].LogHash = "FAKE_HASH_TAMPERED"

			f, err := os.Create(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(f)
			for _, b := range blocks {
				if err := enc.Encode(b); err != nil {
					f.Close()
					return err
				}
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tampered block %d\n", idx)
			return nil
		},
	}
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
