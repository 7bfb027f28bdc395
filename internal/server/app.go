// Package server wires the tokenkeeper server together: configuration,
// storage backend, token signer, audit trail, session manager and the gRPC
// endpoint. It handles graceful shutdown and configuration reload on SIGHUP.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/tokenkeeper/internal/cryptox"
	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/audit"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/auth"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/config"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/services"
	"golang.org/x/crypto/bcrypt"

	gs "github.com/dmitrijs2005/tokenkeeper/internal/server/grpc"
)

type App struct {
	store      *config.Store
	logger     logging.Logger
	repos      repomanager.RepositoryManager
	dispatcher *audit.Dispatcher
	server     *gs.GRPCServer
}

// newRepositoryManager is a seam for tests.
var newRepositoryManager = repomanager.New

func NewApp(ctx context.Context, store *config.Store, logger logging.Logger) (*App, error) {
	cfg := store.Current()

	repos, err := newRepositoryManager(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	if err := repos.RunMigrations(ctx); err != nil {
		repos.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	sink, err := newAuditSink(ctx, cfg, logger)
	if err != nil {
		repos.Close()
		return nil, fmt.Errorf("audit init error: %w", err)
	}
	dispatcher := audit.NewDispatcher(sink, cfg.AuditBufferSize, logger)

	signer := auth.NewSigner(func() auth.Settings {
		c := store.Current()
		return auth.Settings{Key: []byte(c.SecretKey), Issuer: c.Issuer, Audience: c.Audience}
	})

	sessions := services.NewSessionManager(
		repos,
		signer,
		cryptox.NewBcryptHasher(bcrypt.DefaultCost),
		services.PolicyFromStore(store),
		logger,
		dispatcher,
	)

	return &App{
		store:      store,
		logger:     logger,
		repos:      repos,
		dispatcher: dispatcher,
		server:     gs.NewGRPCServer(cfg.EndpointAddrGRPC, logger, sessions, signer),
	}, nil
}

func newAuditSink(ctx context.Context, cfg *config.Config, logger logging.Logger) (audit.Sink, error) {
	logSink := audit.NewLogSink(logger)
	if !cfg.AuditArchiveEnabled() {
		return logSink, nil
	}

	client, err := audit.NewS3Client(ctx, audit.S3Settings{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
		AccessKey:    cfg.S3RootUser,
		SecretKey:    cfg.S3RootPassword,
	})
	if err != nil {
		return nil, err
	}

	return audit.MultiSink{logSink, audit.NewS3Sink(client, cfg.S3Bucket, cfg.S3AuditPrefix)}, nil
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				app.handleSignal(ctx, sig, cancelFunc)
			}
		}
	}()
}

func (app *App) handleSignal(ctx context.Context, sig os.Signal, cancelFunc context.CancelFunc) {
	if sig == syscall.SIGHUP {
		app.reloadConfig(ctx)
		return
	}
	app.logger.Info(ctx, "Shutdown signal received", "signal", sig.String())
	cancelFunc()
}

// reloadConfig re-reads configuration; on failure the running one is kept.
func (app *App) reloadConfig(ctx context.Context) {
	cfg, err := app.store.Reload()
	if err != nil {
		app.logger.Error(ctx, "Config reload failed, keeping previous configuration", "error", err)
		return
	}
	app.logger.Info(ctx, "Configuration reloaded",
		"access_ttl", cfg.AccessTokenValidityDuration,
		"refresh_ttl_days", cfg.RefreshTokenTTLDays,
		"max_active_sessions", cfg.MaxActiveSessionsPerUser,
	)
}

// Run serves until ctx is cancelled or a shutdown signal arrives, then
// drains the audit queue and closes storage.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(ctx, cancelFunc)

	err := app.server.Run(ctx)
	if err != nil {
		app.logger.Error(ctx, err.Error())
	}

	app.dispatcher.Close()
	if cerr := app.repos.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close storage: %w", cerr))
	}

	app.logger.Info(ctx, "App stopped")
	return err
}
