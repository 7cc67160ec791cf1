package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/carelane/portalchat/internal/account"
	"github.com/carelane/portalchat/internal/api"
	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/channel"
	"github.com/carelane/portalchat/internal/config"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/device"
	"github.com/carelane/portalchat/internal/lock"
	"github.com/carelane/portalchat/internal/logging"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/portalapi"
	"github.com/carelane/portalchat/internal/pushprovider"
	"github.com/carelane/portalchat/internal/session"
	"github.com/carelane/portalchat/internal/status"
	"github.com/carelane/portalchat/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.portalchat/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideKeyring,
			provideBackend,
			provideDialer,
			providePushProvider,
			providePrompter,
			provideDevices,
			provideLifecycle,
			provideSessionService,
			provideConversationService,
			provideDeviceService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName, "portald"), p.SessionName, "portald")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New("portald")
}

func provideKeyring() *account.Keyring {
	return &account.Keyring{}
}

func provideBackend(cfg *config.Config, keys *account.Keyring) (*portalapi.Client, error) {
	return portalapi.New(cfg.Backend.BaseURL, keys.Token, nil)
}

func provideDialer(cfg *config.Config) channel.Dialer {
	return &channel.WebsocketDialer{URL: cfg.Backend.ChannelURL}
}

func providePushProvider(cfg *config.Config) *pushprovider.Client {
	return &pushprovider.Client{BaseURL: cfg.Push.ProviderURL, Endpoint: cfg.Push.Endpoint()}
}

func providePrompter(b *bus.Bus) *device.BusPrompter {
	return device.NewBusPrompter(b)
}

func provideDevices(cfg *config.Config, provider *pushprovider.Client, backend *portalapi.Client, prompter *device.BusPrompter, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *device.Manager {
	supported := cfg.Push.Enabled && cfg.Push.ProviderURL != ""
	if !supported {
		logger.Info("push notifications unavailable", zap.Bool("enabled", cfg.Push.Enabled))
	}
	return device.NewManager(supported, device.Deps{
		Provider:  provider,
		Registrar: backend,
		Prompter:  prompter,
		Store:     db,
		Bus:       b,
		Metrics:   m,
		Logger:    logger,
	})
}

func provideLifecycle(cfg *config.Config, db *store.DB, backend *portalapi.Client, dialer channel.Dialer, devices *device.Manager, machine *status.Machine, keys *account.Keyring, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *account.Lifecycle {
	var fetcher conversation.Fetcher = backend
	return account.NewLifecycle(account.Deps{
		Config:  cfg,
		DB:      db,
		Fetcher: fetcher,
		Dialer:  dialer,
		Devices: devices,
		Machine: machine,
		Keyring: keys,
		Bus:     b,
		Metrics: m,
		Logger:  logger,
	})
}

func provideSessionService(p Params, machine *status.Machine, accounts *account.Lifecycle, devices *device.Manager, b *bus.Bus, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.SessionName, machine, accounts, devices, b, db, logger)
}

func provideConversationService(accounts *account.Lifecycle) *api.ConversationService {
	return api.NewConversationService(accounts)
}

func provideDeviceService(devices *device.Manager, prompter *device.BusPrompter, accounts *account.Lifecycle) *api.DeviceService {
	return api.NewDeviceService(devices, prompter, accounts)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, accounts *account.Lifecycle, sessionSvc *api.SessionService, m *metrics.Metrics, logger *zap.Logger) {
	var metricsSrv *http.Server
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sessionSvc.Start()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := cfg.Metrics.ListenAddr; addr != "" {
				r := chi.NewRouter()
				r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
				r.Handle("/metrics", m.Handler())
				metricsSrv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			// Sign back in with the saved credentials, if any.
			go func() {
				_, err := accounts.Restore(ctx)
				switch {
				case err == nil:
				case errors.Is(err, account.ErrNotLoggedIn):
					logger.Info("no saved credentials, login required")
				default:
					logger.Warn("restoring session failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			accounts.Close()
			srv.Stop(stopCtx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(stopCtx)
			}
			sessionSvc.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
