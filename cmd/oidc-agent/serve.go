package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	"github.com/alexjbarnes/oidc-agent/internal/agent"
	"github.com/alexjbarnes/oidc-agent/internal/config"
	"github.com/alexjbarnes/oidc-agent/internal/ipc"
	"github.com/alexjbarnes/oidc-agent/internal/logging"
	"github.com/alexjbarnes/oidc-agent/internal/oidc"
	"github.com/alexjbarnes/oidc-agent/internal/passwords"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/alexjbarnes/oidc-agent/internal/state"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("oidc-agent starting",
		slog.String("version", Version),
		slog.String("socket", cfg.SocketPath),
		slog.Bool("autoload", cfg.Autoload),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := secret.NewCodec()
	if err != nil {
		return fmt.Errorf("creating secret codec: %w", err)
	}
	defer codec.Wipe()

	store := passwords.NewStore(codec, logger.With(slog.String("component", "passwords")),
		passwords.WithPrompter(passwords.NewAskpassPrompter(cfg.Askpass)),
	)
	defer store.RemoveAll()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	httpClient := oidc.NewHTTPClient(cfg.HTTPTimeout)
	engine := oidc.NewEngine(
		oidc.WithHTTPClient(httpClient),
		oidc.WithDiscovery(oidc.NewDiscovery(httpClient, logger, cfg.DiscoveryTTL)),
		oidc.WithLogger(logger.With(slog.String("component", "oidc"))),
		oidc.WithClientName(cfg.ClientName),
	)

	accounts := account.NewRegistry()
	defer accounts.Clear()

	a := agent.New(accounts, store, engine,
		agent.WithState(appState),
		agent.WithAutoload(cfg.Autoload),
		agent.WithLogger(logger.With(slog.String("component", "agent"))),
	)

	server := ipc.NewServer(cfg.SocketPath, a, logger.With(slog.String("component", "ipc")))
	if err := server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})

	g.Go(func() error {
		return passwords.NewSweeper(store, cfg.SweepInterval, logger).Run(gctx)
	})

	if cfg.PasswordsFile != "" {
		descriptors := passwords.NewDescriptorFile(cfg.PasswordsFile, store, logger)
		if err := descriptors.Load(); err != nil {
			return fmt.Errorf("loading password descriptors: %w", err)
		}

		g.Go(func() error {
			return descriptors.Watch(gctx)
		})
	}

	err = g.Wait()
	logger.Info("oidc-agent stopped")

	return err
}
