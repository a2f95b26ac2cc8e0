package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/vaultd/internal/config"
	"github.com/gregtusar/vaultd/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vaultd",
		Short: "Encrypted exchange credential vault and portfolio aggregator",
		Long:  `Stores exchange API keys encrypted at rest, aggregates balances across spot, margin, futures and strategy accounts, and relays live prices.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd(), snapshotCmd(), tokenCmd(), keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config, builds the logger from it and fetches any
// secrets held in GCP Secret Manager.
func loadConfig(ctx context.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Logging)

	if cfg.NeedsSecrets() {
		sm, err := secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, cfg.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create secret manager: %w", err)
		}
		defer sm.Close()

		if err := cfg.LoadSecrets(ctx, sm, logger); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logger, nil
}

func load() (*app, error) {
	cfg, logger, err := loadConfig(context.Background())
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			authn, err := a.authenticator()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a.service.Start(ctx, a.cfg.History.Interval)

			srv := a.server(authn)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			a.logger.Info("vaultd is running. Press Ctrl+C to stop.")
			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("api server: %w", err)
				}
			case <-ctx.Done():
				a.logger.Info("Received shutdown signal")
			}

			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.WithError(err).Warn("API server did not shut down cleanly")
			}
			a.logger.Info("vaultd stopped")
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Aggregate one owner's accounts, record it and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			var snap interface{}
			if owner == "" {
				n := a.service.RecordAll(ctx)
				snap = map[string]int{"recorded": n}
			} else {
				s, err := a.service.Account(ctx, owner)
				if err != nil {
					return err
				}
				snap = s
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (default: every stored owner)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(context.Background())
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, logger: logger}
			authn, err := a.authenticator()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			token, err := authn.Issue(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id carried in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random 256-bit vault master key as hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	}
}
