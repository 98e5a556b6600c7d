// Command mlctl is the operator CLI for the medical records ledger. It signs ledger writes
// with the configured account and stores blobs in the content store directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/config"
	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/service"
	"github.com/and161185/medledger/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app is an open connection to the ledger and the content store.
type app struct {
	account common.Address
	network string
	ledger  ledger.Ledger
	dir     service.DirectoryService
	records service.RecordService
	close   func()
}

// opener builds an app for the current account.
type opener func(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error)

// openSession connects to the configured RPC node and IPFS API.
func openSession(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("CONTRACT_ADDRESS %q is not a hex address: %w", cfg.Contract, errs.ErrPrecondition)
	}
	sess, err := session.Open(ctx, session.Config{
		RPCURL:       cfg.RPCURL,
		Contract:     common.HexToAddress(cfg.Contract),
		PrivateKey:   cfg.PrivateKey,
		LogPageSize:  cfg.LogPageSize,
		PollInterval: cfg.PollInterval,
	}, log.Named("session"))
	if err != nil {
		return nil, err
	}
	closers := []func(){sess.Close}

	var store contentstore.Store = contentstore.NewIPFS(cfg.IPFSAPIURL, cfg.IPFSTimeout, log.Named("ipfs"))
	if cfg.CacheDir != "" {
		cached, err := contentstore.NewCached(store, cfg.CacheDir, log.Named("cache"))
		if err != nil {
			sess.Close()
			return nil, err
		}
		closers = append(closers, func() { _ = cached.Close() })
		store = cached
	}

	l := sess.Ledger()
	return &app{
		account: sess.CurrentAccount(),
		network: sess.NetworkID().String(),
		ledger:  l,
		dir: service.NewDirectoryService(service.DirectoryConfig{
			Ledger:       l,
			Store:        store,
			DefaultAdmin: common.HexToAddress(cfg.DefaultAdmin),
			Width:        cfg.FetchWidth,
			Logger:       log.Named("directory"),
		}),
		records: service.NewRecordService(l, store, log.Named("records"), service.WithConflictCheck()),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

// cli carries global flags and the lazily opened app.
type cli struct {
	open    opener
	envFile string
	key     string
	verbose bool

	app *app
}

func (c *cli) connect(ctx context.Context) (*app, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg := config.Load(c.envFile)
	if c.key != "" {
		cfg.PrivateKey = c.key
	}
	log := zap.NewNop()
	if c.verbose {
		log, _ = zap.NewDevelopment()
	}
	a, err := c.open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) shutdown() {
	if c.app != nil && c.app.close != nil {
		c.app.close()
	}
	c.app = nil
}

// writer requires a signing account before any write is attempted.
func (c *cli) writer(ctx context.Context) (*app, error) {
	a, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if a.account == (common.Address{}) {
		return nil, fmt.Errorf("no signing key configured (ETH_PRIVATE_KEY or --key): %w", errs.ErrPrecondition)
	}
	return a, nil
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "mlctl",
		Short:         "Medical records ledger CLI",
		Long:          "Manage users, access grants and documents recorded on the medical records ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.envFile, "env", "", "path to a .env file (default .env when present)")
	root.PersistentFlags().StringVar(&c.key, "key", "", "hex private key used to sign ledger writes")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		versionCmd(),
		whoamiCmd(c),
		usersCmd(c),
		accessCmd(c),
		docsCmd(c),
		watchCmd(c),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mlctl %s (%s)\n", version, buildDate)
		},
	}
}

func whoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signing account and its on-chain record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"address": a.account, "network": a.network}
			if a.account != (common.Address{}) {
				rec, err := a.ledger.User(cmd.Context(), a.account)
				if err != nil {
					return err
				}
				out["name"] = rec.Name
				out["role"] = rec.Role
				out["isActive"] = rec.IsActive
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFailure writes err as a structured failure.
func printFailure(w io.Writer, err error) {
	_ = printJSON(w, map[string]any{"error": errs.Describe(err)})
}

func parseAddressArg(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address: %w", s, errs.ErrPrecondition)
	}
	return common.HexToAddress(s), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{open: openSession}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.shutdown()
	if err != nil {
		printFailure(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
