package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lorenzkrinner/gitfix/internal/config"
	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/internal/server"
	"github.com/lorenzkrinner/gitfix/internal/token"
	"github.com/lorenzkrinner/gitfix/pkg/worker"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the workers and the sweeper",
		Long: `Run the HTTP API, a pool of workers draining the task queue, and the
sweeper that re-enqueues stalled instances.

Example:
  gitfix serve --config gitfix.yaml
  GITFIX_STORE_DRIVER=sqlite GITFIX_STORE_DSN=file:gitfix.db gitfix serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger := opts.Config, opts.Logger

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close", slog.Any("error", err))
		}
	}()
	if len(cfg.Repositories) == 0 {
		logger.Warn("no repositories configured; tokens and API calls will be refused")
	}

	tokens, err := newTokenService(a, cfg.Token, logger, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "token service", err)
	}
	srv, err := server.New(server.Config{
		Engine:       a.eng,
		Tokens:       tokens,
		Repositories: a.repos,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sweeper := engine.NewSweeper(a.eng, cfg.Engine.SweepSchedule, 0)
	if err := sweeper.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "sweeper", err)
	}
	defer sweeper.Stop()

	// Catch up on instances a previous process left mid-run.
	if n, err := sweeper.Sweep(ctx); err != nil {
		logger.Warn("initial sweep", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("requeued stalled instances", slog.Int("count", n))
	}

	w := worker.NewWithConfig(a.eng, a.eng.Queue(), worker.Config{Logger: logger})
	pool := worker.NewPool(w, cfg.Workers.Concurrency)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr), slog.Int("workers", cfg.Workers.Concurrency))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("stopped")
	return nil
}

// newTokenService builds the token service. With ephemeral set, a missing
// secret is replaced by a random one that only lives as long as the process.
func newTokenService(a *app, cfg config.TokenConfig, logger *slog.Logger, ephemeral bool) (*token.Service, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 && ephemeral {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn("token.secret not set; using a random secret, tokens will not survive a restart")
	}
	return token.NewService(a.eng, a.repos, token.Config{
		Secret:       secret,
		TTL:          cfg.TTL,
		RefreshRate:  cfg.RefreshRate,
		RefreshBurst: cfg.RefreshBurst,
	})
}
