// Command portalpush is the background delivery process. It receives
// pushes from the provider, keeps the notification list and opens or
// focuses the window when a notification is clicked. It runs without the
// daemon and shares only the session database and the window lock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelane/portalchat/internal/config"
	"github.com/carelane/portalchat/internal/logging"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/push"
	"github.com/carelane/portalchat/internal/session"
	"github.com/carelane/portalchat/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	intentTTL     = 10 * time.Minute
	pruneInterval = time.Minute
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.portalchat/config.toml)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := run(sessionName, *configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(sessionName, configPath string) error {
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := session.EnsureDir(sessionName); err != nil {
		return err
	}
	logger, err := logging.New(session.LogPath(sessionName, "portalpush"), sessionName, "portalpush")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, migrated, err := store.OpenMigrated(session.AppDBPath(sessionName))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()
	if migrated.Changed {
		logger.Info("database migrated", zap.Uint("version", migrated.Version))
	}

	m := metrics.New("portalpush")
	window := &push.Window{
		LockPath: session.WindowLockPath(sessionName),
		Intents:  db,
		Launch:   push.ExecLauncher(cfg.Push.WindowCommand, sessionName),
		Logger:   logger.Named("window"),
	}
	handler := push.NewHandler(cfg.Push.Enabled, push.DBSurface{DB: db}, db, window, m, logger)

	srv := &http.Server{
		Addr:              cfg.Push.ListenAddr,
		Handler:           push.NewRouter(handler, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("push listener started", zap.String("addr", srv.Addr), zap.Bool("enabled", cfg.Push.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := db.PruneIntents(time.Now().Add(-intentTTL))
				if err != nil {
					logger.Warn("prune intents", zap.Error(err))
				} else if n > 0 {
					logger.Debug("pruned unclaimed intents", zap.Int64("count", n))
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("push listener stopped")
	return err
}
