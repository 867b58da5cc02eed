package daemon

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/streakchat/internal/api"
	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/config"
	"github.com/matheus3301/streakchat/internal/convo"
	"github.com/matheus3301/streakchat/internal/lock"
	"github.com/matheus3301/streakchat/internal/logging"
	"github.com/matheus3301/streakchat/internal/metrics"
	"github.com/matheus3301/streakchat/internal/msgsync"
	"github.com/matheus3301/streakchat/internal/outbox"
	"github.com/matheus3301/streakchat/internal/presence"
	"github.com/matheus3301/streakchat/internal/profile"
	"github.com/matheus3301/streakchat/internal/session"
	"github.com/matheus3301/streakchat/internal/store"
	"github.com/matheus3301/streakchat/internal/timer"
	"github.com/matheus3301/streakchat/internal/transport"
	"github.com/matheus3301/streakchat/internal/transport/memory"
	"github.com/matheus3301/streakchat/internal/transport/redistransport"
	"github.com/matheus3301/streakchat/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string           // optional override for testing; empty = use default
	Settings    *config.Settings // optional override; nil = read settings.toml
}

// Backend is a realtime transport that also persists outgoing rows and
// serves them back for history loads.
type Backend interface {
	transport.Transport
	transport.Persister
	transport.History
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideSettings,
			provideIdentity,
			provideLock,
			provideStore,
			provideBackend,
			provideMetrics,
			provideRegistry,
			provideConvoStore,
			provideTyping,
			providePresence,
			provideBridge,
			providePipeline,
			provideSession,
			provideService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (config.Settings, error) {
	var s config.Settings
	if p.Settings != nil {
		s = *p.Settings
	} else {
		loaded, err := config.LoadSettings(profile.SettingsPath(p.ProfileName))
		if err != nil {
			return config.Settings{}, err
		}
		s = loaded
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("profile %q: %w", p.ProfileName, err)
	}
	return s, nil
}

func provideLogger(p Params, s config.Settings) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Path:    profile.LogPath(p.ProfileName),
		Profile: p.ProfileName,
		UserID:  s.UserID,
		Level:   s.LogLevel,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("settings loaded",
		zap.String("transport", s.Transport),
		zap.Duration("typing_debounce", s.TypingDebounce.Duration),
		zap.Duration("typing_timeout", s.TypingTimeout.Duration),
		zap.Bool("metrics", s.MetricsAddr != ""),
	)
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() timer.Clock {
	return timer.Real()
}

func provideIdentity(s config.Settings) chat.Identity {
	return chat.Identity{UserID: s.UserID, DisplayName: s.DisplayName, AvatarURL: s.AvatarURL}
}

func provideLock(p Params, self chat.Identity, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(profile.Dir(p.ProfileName), self.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.Time("started", l.Owner().Started))
	return l, nil
}

// provideStore depends on the lock so two daemons never share a journal.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	schema := db.Schema()
	logger.Info("journal ready",
		zap.String("path", dbPath),
		zap.Uint("schema", schema.Version),
		zap.Bool("migrated", schema.Applied),
	)
	return db, nil
}

func provideBackend(s config.Settings, logger *zap.Logger) (Backend, error) {
	switch s.Transport {
	case config.TransportRedis:
		ctx, cancel := context.WithTimeout(context.Background(), redistransport.DialTimeout)
		defer cancel()
		t, err := redistransport.Dial(ctx, s.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis transport", zap.String("addr", s.RedisAddr))
		return t, nil
	default:
		logger.Info("using in-process transport")
		return memory.NewHub(), nil
	}
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideRegistry(be Backend, b *bus.Bus, logger *zap.Logger) *channel.Registry {
	return channel.NewRegistry(be, b, logger)
}

func provideConvoStore(b *bus.Bus) *convo.Store {
	return convo.NewStore(b)
}

func provideTyping(reg *channel.Registry, self chat.Identity, s config.Settings, clock timer.Clock, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *typing.Coordinator {
	return typing.New(reg, self, typing.Config{
		Debounce: s.TypingDebounce.Duration,
		Timeout:  s.TypingTimeout.Duration,
		Clock:    clock,
	}, b, m, logger)
}

func providePresence(reg *channel.Registry, clock timer.Clock, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *presence.Tracker {
	return presence.New(reg, clock, b, m, logger)
}

func provideBridge(reg *channel.Registry, s *convo.Store, m *metrics.Metrics, logger *zap.Logger) *msgsync.Bridge {
	return msgsync.NewBridge(reg, s, m, logger)
}

func providePipeline(s *convo.Store, be Backend, db *store.DB, self chat.Identity, clock timer.Clock, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(s, be, db, self, clock, b, m, logger)
}

func provideSession(self chat.Identity, reg *channel.Registry, br *msgsync.Bridge, tc *typing.Coordinator, pt *presence.Tracker, pipe *outbox.Pipeline, db *store.DB, clock timer.Clock, logger *zap.Logger) *session.Session {
	return session.New(self, reg, br, tc, pt, pipe, db, clock, logger)
}

func provideService(p Params, be Backend, sess *session.Session, s *convo.Store, pipe *outbox.Pipeline, tc *typing.Coordinator, pt *presence.Tracker, br *msgsync.Bridge, reg *channel.Registry, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Session:  sess,
		Store:    s,
		Pipeline: pipe,
		Typing:   tc,
		Presence: pt,
		Bridge:   br,
		Registry: reg,
		Bus:      b,
		History:  be,
	}, p.ProfileName, logger)
}

// provideMetricsServer returns nil when no metrics address is configured.
func provideMetricsServer(s config.Settings, m *metrics.Metrics, logger *zap.Logger) *metrics.Server {
	if s.MetricsAddr == "" {
		return nil
	}
	return metrics.NewServer(s.MetricsAddr, m, logger)
}

type lifecycleParams struct {
	fx.In

	Server     *Server
	Metrics    *metrics.Metrics
	MetricsSrv *metrics.Server
	Lock       *lock.Lock
	DB         *store.DB
	Backend    Backend
	Session    *session.Session
	Pipeline   *outbox.Pipeline
	Typing     *typing.Coordinator
	Registry   *channel.Registry
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	registerGauges(p)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p.MetricsSrv != nil {
				p.MetricsSrv.Start()
			}

			if err := p.Session.Restore(ctx); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Stop(ctx)
			p.Session.Shutdown()
			p.Pipeline.Stop()
			if p.MetricsSrv != nil {
				if err := p.MetricsSrv.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if c, ok := p.Backend.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("error closing transport", zap.Error(err))
				}
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

func registerGauges(p lifecycleParams) {
	p.Metrics.Gauge("streakchat_open_conversations", "Conversations open in this session.", func() float64 {
		return float64(len(p.Session.Conversations()))
	})
	p.Metrics.Gauge("streakchat_channels", "Registered realtime channels.", func() float64 {
		return float64(len(p.Registry.Channels()))
	})
	p.Metrics.Gauge("streakchat_typing_timers", "Armed typing timers.", func() float64 {
		return float64(p.Typing.Pending())
	})
	p.Metrics.Gauge("streakchat_failed_sends", "Entries in the failed-send collection.", func() float64 {
		return float64(len(p.Pipeline.Failed("")))
	})
	p.Metrics.Gauge("streakchat_bus_dropped_events", "Events dropped because a subscriber was full.", func() float64 {
		return float64(p.Bus.Dropped())
	})
}
