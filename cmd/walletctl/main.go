// Command walletctl registers and lists the signing wallets used by the
// distributor. It reads the same environment as the distributor.
//
// Usage:
//
//	walletctl add -name hot-1 -keypair ~/.config/solana/id.json
//	walletctl add -name hot-2 -secret <base58 private key>
//	walletctl list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/emperorhan/token-distributor/internal/config"
	"github.com/emperorhan/token-distributor/internal/custody"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store/postgres"
	"github.com/emperorhan/token-distributor/internal/wallet"
	"github.com/gagliardetto/solana-go"
)

var errUsage = errors.New("usage: walletctl add -name NAME (-keypair FILE | -secret BASE58) | walletctl list")

// directory is the part of wallet.Directory the commands need.
type directory interface {
	AddWallet(ctx context.Context, name, secret string) (*model.Wallet, error)
	GetAll(ctx context.Context) ([]model.Wallet, error)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, errUsage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       2,
		MaxIdleConns:       1,
		ConnMaxLifetime:    time.Minute,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx, postgres.Migrations); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	enc, err := custody.NewEncryptor(cfg.Distributor.WalletPassword)
	if err != nil {
		logger.Error("failed to create encryptor", "error", err)
		os.Exit(1)
	}
	dir := wallet.NewDirectory(postgres.NewWalletRepo(db, cfg.Distributor.DigestSalt), enc, logger)

	if err := run(ctx, dir, os.Args[1:], os.Stdout); err != nil {
		logger.Error("walletctl failed", "error", err)
		db.Close()
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, dir directory, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "add":
		return runAdd(ctx, dir, args[1:], out)
	case "list":
		return runList(ctx, dir, out)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func runAdd(ctx context.Context, dir directory, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "unique wallet name")
	keypair := fs.String("keypair", "", "path to a solana-keygen JSON keypair file")
	secret := fs.String("secret", "", "base58 encoded private key")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *name == "" || (*keypair == "") == (*secret == "") {
		return errUsage
	}

	encoded := *secret
	if *keypair != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(*keypair)
		if err != nil {
			return fmt.Errorf("read keypair %s: %w", *keypair, err)
		}
		encoded = key.String()
	}

	w, err := dir.AddWallet(ctx, *name, encoded)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "added wallet %s %s\n", w.Name, w.Address)
	return nil
}

func runList(ctx context.Context, dir directory, out io.Writer) error {
	wallets, err := dir.GetAll(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tCREATED")
	for _, w := range wallets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Name, w.Address, w.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
