package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/kiwilink/internal/bridge"
	"github.com/skobkin/kiwilink/internal/bus"
	"github.com/skobkin/kiwilink/internal/config"
	"github.com/skobkin/kiwilink/internal/events"
	"github.com/skobkin/kiwilink/internal/logging"
	"github.com/skobkin/kiwilink/internal/metrics"
	"github.com/skobkin/kiwilink/internal/session"
	"github.com/skobkin/kiwilink/internal/transport"
)

const exporterShutdownTimeout = 3 * time.Second

// Options tweaks Initialize. The zero value loads the user config and dials
// the configured transport.
type Options struct {
	ConfigPath string
	// Dialer replaces the transport selected by config.
	Dialer transport.Dialer
	// LogOutput is the console log destination; nil means stdout.
	LogOutput io.Writer
	OnVideo   func(session.VideoMessage)
	// Override adjusts the loaded config before it is validated; used for
	// command-line flags.
	Override func(*config.AppConfig)
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager  *logging.Manager
	Bus         *bus.PubSubBus
	Metrics     *metrics.Collector
	Exporter    *metrics.Exporter
	MetricsAddr string
	Bridge      *bridge.Bridge

	statusMu    sync.RWMutex
	status      events.SessionStatus
	statusKnown bool
	captureDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:         ctx,
		cancel:      cancel,
		Paths:       paths,
		Config:      cfg,
		captureDone: make(chan struct{}),
	}

	logMgr := logging.NewManager()
	logMgr.SetStdout(opts.LogOutput)
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting kiwilink runtime", "version", BuildVersion(), "build_date", BuildDateYMD(), "transport", cfg.Connection.Transport)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	statusSub := b.Subscribe(events.TopicSessionState)
	go rt.captureStatus(ctx, statusSub)

	rt.Metrics = metrics.New()
	if cfg.Metrics.Enabled {
		rt.Exporter = metrics.NewExporter(cfg.Metrics.Listen, rt.Metrics)
		addr, err := rt.Exporter.Start()
		if err != nil {
			_ = rt.Close()

			return nil, fmt.Errorf("start metrics exporter: %w", err)
		}
		rt.MetricsAddr = addr
		logMgr.Logger("metrics").Info("metrics exporter listening", "addr", addr)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer, err = NewDialer(cfg.Connection, cfg.Session.WriteTimeout.Std())
		if err != nil {
			_ = rt.Close()

			return nil, fmt.Errorf("initialize transport: %w", err)
		}
	}

	br, err := bridge.New(bridge.Options{
		Dialer: dialer,
		Session: session.Options{
			OutboxSize:   cfg.Session.OutboxSize,
			SendWait:     cfg.Session.SendWait.Std(),
			WriteTimeout: cfg.Session.WriteTimeout.Std(),
		},
		ConnectTimeout: cfg.Connection.DialTimeout.Std(),
		StallTimeout:   cfg.Session.StallTimeout.Std(),
		OnVideo:        opts.OnVideo,
		Bus:            b,
		Metrics:        rt.Metrics,
		Logger:         slog.Default(),
	})
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.Bridge = br

	return rt, nil
}

// Connect opens a session against the configured robot.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.RLock()
	conn := r.Config.Connection
	r.mu.RUnlock()

	return r.ConnectTo(ctx, conn.Host, conn.CommandPort, conn.VideoPort)
}

func (r *Runtime) ConnectTo(ctx context.Context, host, commandPort, videoPort string) error {
	if r.Bridge == nil {
		return errors.New("runtime is not initialized")
	}

	return r.Bridge.InitializeSession(ctx, host, commandPort, videoPort)
}

func (r *Runtime) captureStatus(ctx context.Context, sub bus.Subscription) {
	defer close(r.captureDone)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(events.SessionStatus)
			if !ok {
				continue
			}
			r.statusMu.Lock()
			r.status = status
			r.statusKnown = true
			r.statusMu.Unlock()
		}
	}
}

// CurrentSessionStatus returns the last state change seen on the bus.
func (r *Runtime) CurrentSessionStatus() (events.SessionStatus, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	return r.status, r.statusKnown
}

// SaveConfig persists cfg and applies the logging section. Connection changes
// take effect on the next Connect.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()

		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	if r.LogManager != nil {
		if err := r.LogManager.Configure(cfg.Logging, r.Paths.LogFile); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// Close is safe to call more than once.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close()
	})

	return r.closeErr
}

func (r *Runtime) close() error {
	var errs []error
	if r.Bridge != nil {
		if err := r.Bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge: %w", err))
		}
	}
	if r.Exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), exporterShutdownTimeout)
		if err := r.Exporter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics exporter: %w", err))
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		// The capture goroutine must stop reading before the bus shuts down.
		<-r.captureDone
		r.Bus.Close()
	}
	if r.LogManager != nil {
		if err := r.LogManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logs: %w", err))
		}
	}

	return errors.Join(errs...)
}
