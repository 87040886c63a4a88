package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.chatsync/config.toml
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
			provideCredentials,
			provideREST,
			provideConnection,
			provideConversations,
			provideTracker,
			provideTyping,
			provideNotify,
			provideEngine,
			provideReconnector,
			provideMetrics,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock as a parameter so the database is never opened
// by a daemon that lost the race for the profile.
func provideStore(p Params, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := profile.StorePath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("credential store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(db *store.DB, cfg *config.Config, logger *zap.Logger) *credential.Resolver {
	return credential.NewResolver(db, logger.Named("credential"), credential.FromConfig(cfg.Credentials)...)
}

func provideREST(cfg *config.Config, logger *zap.Logger) (*restapi.Client, error) {
	return restapi.New(cfg.Server.APIURL, cfg.Server.RequestTimeout, logger.Named("rest"))
}

func provideConnection(cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *connection.Manager {
	dialer := &transport.WebsocketDialer{
		URL:              cfg.Server.SocketURL,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		Logger:           logger.Named("transport"),
	}
	return connection.NewManager(dialer, m, b, logger.Named("connection"))
}

func provideConversations(cfg *config.Config, b *bus.Bus) *conversation.Store {
	return conversation.NewStore(cfg.Chat.Identity, b)
}

func provideTracker(s *conversation.Store, conn *connection.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Tracker {
	return outbox.NewTracker(s, conn, b, logger.Named("outbox"), outbox.Policy{
		SendTimeout:       cfg.Chat.SendTimeout,
		MatchWindow:       cfg.Chat.MatchWindow,
		MaxRetries:        cfg.Chat.MaxRetries,
		AutoRetries:       cfg.Chat.AutoRetries,
		ResendOnReconnect: cfg.Chat.ResendOnReconnect,
		ResendRate:        cfg.Chat.ResendRate,
	})
}

func provideTyping(cfg *config.Config, b *bus.Bus) *typing.Tracker {
	return typing.NewTracker(cfg.Chat.TypingTTL, b)
}

func provideNotify(rest *restapi.Client, creds *credential.Resolver, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *notify.Reconciler {
	return notify.NewReconciler(rest, creds, b, logger.Named("notify"),
		cfg.Notifications.PollInterval, cfg.Notifications.PageSize)
}

type engineDeps struct {
	fx.In

	Store   *conversation.Store
	Tracker *outbox.Tracker
	Typing  *typing.Tracker
	Conn    *connection.Manager
	REST    *restapi.Client
	Creds   *credential.Resolver
	Bus     *bus.Bus
	Config  *config.Config
	Logger  *zap.Logger
}

func provideEngine(d engineDeps) *intsync.Engine {
	return intsync.NewEngine(intsync.Deps{
		Store:    d.Store,
		Tracker:  d.Tracker,
		Typing:   d.Typing,
		Joiner:   d.Conn,
		API:      d.REST,
		Creds:    d.Creds,
		Bus:      d.Bus,
		Logger:   d.Logger.Named("sync"),
		Identity: d.Config.Chat.Identity,
	})
}

func provideReconnector(conn *connection.Manager, creds *credential.Resolver, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Reconnector {
	return NewReconnector(conn, creds, b, cfg.Reconnect, logger.Named("reconnect"))
}

func provideMetrics(b *bus.Bus) *metrics.Collector {
	return metrics.New(b)
}

type serviceDeps struct {
	fx.In

	Params      Params
	Machine     *status.Machine
	Reconnector *Reconnector
	Conn        *connection.Manager
	Creds       *credential.Resolver
	Engine      *intsync.Engine
	Store       *conversation.Store
	Tracker     *outbox.Tracker
	Typing      *typing.Tracker
	Notify      *notify.Reconciler
	Bus         *bus.Bus
}

func provideService(d serviceDeps) *api.Service {
	return api.NewService(api.Deps{
		Profile:   d.Params.ProfileName,
		Machine:   d.Machine,
		Connector: d.Reconnector,
		Realtime:  d.Conn,
		Creds:     d.Creds,
		Engine:    d.Engine,
		Store:     d.Store,
		Tracker:   d.Tracker,
		Typing:    d.Typing,
		Notify:    d.Notify,
		Bus:       d.Bus,
	})
}

type lifecycleDeps struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Config      *config.Config
	Server      *Server
	Lock        *lock.Lock
	DB          *store.DB
	Creds       *credential.Resolver
	Conn        *connection.Manager
	Engine      *intsync.Engine
	Tracker     *outbox.Tracker
	Typing      *typing.Tracker
	Notify      *notify.Reconciler
	Reconnector *Reconnector
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

func registerLifecycle(d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	loaded := make(chan struct{})
	var metricsSrv *metrics.Server

	d.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers first, so nothing published during startup is missed.
			d.Engine.Start(ctx)
			d.Metrics.Start(ctx)
			d.Reconnector.Start()
			d.Tracker.Start(ctx)
			d.Typing.Start(ctx)

			if d.Config.MetricsAddr != "" {
				metricsSrv = metrics.NewServer(d.Config.MetricsAddr, d.Metrics, d.Logger.Named("metrics"))
				if err := metricsSrv.Start(); err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				defer close(loaded)
				initialLoad(ctx, d)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-loaded
			d.Server.Stop(stopCtx)
			if metricsSrv != nil {
				if err := metricsSrv.Stop(stopCtx); err != nil {
					d.Logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			d.Reconnector.Stop()
			d.Conn.Close()
			d.Notify.Stop()
			d.Tracker.Stop()
			d.Typing.Stop()
			d.Engine.Stop()
			d.Metrics.Stop()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing credential store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}

// initialLoad fetches identity, conversations, notifications and preferences
// in parallel, then starts polling and opens the realtime connection when a
// credential is present. Failures are logged; the daemon stays up.
func initialLoad(ctx context.Context, d lifecycleDeps) {
	if _, err := d.Creds.Resolve(); err != nil {
		d.Logger.Info("no credential found, waiting for connect request")
		d.Notify.Start(ctx)
		return
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := d.Engine.LoadIdentity(gctx)
		return wrapLoad("identity", err)
	})
	g.Go(func() error {
		_, err := d.Engine.LoadConversations(gctx)
		return wrapLoad("conversations", err)
	})
	g.Go(func() error {
		_, err := d.Notify.LoadNotifications(gctx)
		return wrapLoad("notifications", err)
	})
	g.Go(func() error {
		_, err := d.Notify.LoadPreferences(gctx)
		return wrapLoad("preferences", err)
	})
	if err := g.Wait(); err != nil {
		d.Logger.Warn("initial load incomplete", zap.Error(err))
	} else {
		d.Logger.Info("initial load complete", zap.Duration("took", time.Since(start)))
	}

	d.Notify.Start(ctx)
	if ctx.Err() != nil {
		return
	}
	if err := d.Reconnector.Connect(ctx); err != nil {
		d.Logger.Warn("auto-connect failed", zap.Error(err))
	}
}

func wrapLoad(what string, err error) error {
	if err == nil || errors.Is(err, credential.ErrUnauthenticated) {
		return nil
	}
	return fmt.Errorf("load %s: %w", what, err)
}
