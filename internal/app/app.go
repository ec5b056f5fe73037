// Package app wires the daemon together: config, logging, storage, the
// protocol service, the event store, alerting, and the reconnect policy.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"zmnotify/internal/alerter"
	"zmnotify/internal/config"
	"zmnotify/internal/eventbus"
	"zmnotify/internal/eventserver"
	"zmnotify/internal/pushbridge"
	"zmnotify/internal/storage"
	"zmnotify/internal/store"
	"zmnotify/internal/transport"
	logx "zmnotify/pkg/logx"
)

const defaultReconnectSchedule = "@every 1m"

// CredentialSource supplies credentials per profile at connect time. The
// default implementation reads them from the config file; callers with a
// keychain plug their own in.
type CredentialSource interface {
	Credentials(profileID string) (username, password, portalURL string, err error)
}

type configCredentials struct {
	cfgm *config.ConfigManager
}

func (c configCredentials) Credentials(profileID string) (string, string, string, error) {
	cfg := c.cfgm.Get()
	if cfg == nil {
		return "", "", "", fmt.Errorf("no config loaded")
	}
	p, ok := cfg.Profiles[profileID]
	if !ok {
		return "", "", "", fmt.Errorf("unknown profile %q", profileID)
	}
	return p.Username, p.Password, p.PortalURL, nil
}

// Options carries optional collaborators the daemon itself cannot provide.
type Options struct {
	// PushPlatform enables the push bridge when a platform push service is
	// available; nil leaves push delivery off (socket-only operation).
	PushPlatform pushbridge.Platform
	// Credentials overrides the config-backed credential source.
	Credentials CredentialSource
}

type App struct {
	cfgm   *config.ConfigManager
	logsvc *logx.Service
	log    logx.Logger

	db     storage.Store
	bus    eventbus.Bus
	svc    *eventserver.Service
	store  *store.Store
	alert  *alerter.Alerter
	bridge *pushbridge.Bridge
	creds  CredentialSource
	cron   *cron.Cron

	mu      sync.Mutex
	cancel  context.CancelFunc
	bgDone  sync.WaitGroup
	started bool
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logsvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := rootLog.With(logx.String("comp", "app"))
	cfgm.SetLogger(rootLog.With(logx.String("comp", "config")))

	var db storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		db, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, rootLog.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	cmdTimeout, err := config.ParseDurationOrDefault("command_timeout", cfg.CommandTimeout, eventserver.DefaultCommandTimeout)
	if err != nil {
		return nil, err
	}

	dial := transport.NewWebSocket(
		rootLog.With(logx.String("comp", "transport")),
		transport.WSOptions{InsecureTLS: cfg.InsecureTLS},
	)
	svc := eventserver.New(dial, rootLog.With(logx.String("comp", "eventserver")),
		eventserver.WithCommandTimeout(cmdTimeout))

	bus := eventbus.New()
	st, err := store.New(svc, db, bus, rootLog.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	seedProfiles(context.Background(), st, cfg)

	var al *alerter.Alerter
	if cfg.Alerts.Enabled {
		sink, err := buildSink(cfg.Alerts, rootLog)
		if err != nil {
			return nil, fmt.Errorf("alert sink: %w", err)
		}
		al = alerter.New(bus, st, sink, rootLog.With(logx.String("comp", "alerter")),
			alerter.Options{RatePerSec: cfg.Alerts.RatePerSec})
	}

	creds := opts.Credentials
	if creds == nil {
		creds = configCredentials{cfgm: cfgm}
	}

	a := &App{
		cfgm:   cfgm,
		logsvc: logsvc,
		log:    log,
		db:     db,
		bus:    bus,
		svc:    svc,
		store:  st,
		alert:  al,
		creds:  creds,
	}
	if opts.PushPlatform != nil {
		a.bridge = pushbridge.New(opts.PushPlatform, logNavigator{log: rootLog.With(logx.String("comp", "push"))},
			svc, st, rootLog.With(logx.String("comp", "push")))
	}
	return a, nil
}

// Store exposes the event store for embedding callers (UIs, tests).
func (a *App) Store() *store.Store { return a.store }

// Service exposes the protocol service.
func (a *App) Service() *eventserver.Service { return a.svc }

func seedProfiles(ctx context.Context, st *store.Store, cfg *config.Config) {
	for id, p := range cfg.Profiles {
		ns := store.DefaultSettings()
		ns.Enabled = p.Enabled
		ns.Host = p.Host
		if p.Port > 0 {
			ns.Port = p.Port
		}
		if p.UseTLS != nil {
			ns.UseTLS = *p.UseTLS
		}
		if p.ShowToasts != nil {
			ns.ShowToasts = *p.ShowToasts
		}
		ns.PlaySound = p.PlaySound
		for _, m := range p.Monitors {
			enabled := true
			if m.Enabled != nil {
				enabled = *m.Enabled
			}
			interval := m.IntervalSeconds
			if interval <= 0 {
				interval = store.DefaultIntervalSeconds
			}
			ns.Filters = append(ns.Filters, store.MonitorFilter{
				MonitorID: m.ID, Enabled: enabled, IntervalSeconds: interval,
			})
		}
		st.SeedSettings(ctx, id, ns)
	}
}

func buildSink(cfg config.AlertsConfig, log logx.Logger) (alerter.Sink, error) {
	if cfg.Telegram != nil {
		return alerter.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID)
	}
	return alerter.LogSink{Log: log.With(logx.String("comp", "alerts"))}, nil
}

// Start brings the daemon up: config watcher, alerter, push bridge, the
// initial connection, and the reconnect schedule.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	cfg := a.cfgm.Get()

	a.bgDone.Add(1)
	go func() {
		defer a.bgDone.Done()
		if err := a.cfgm.Watch(bgCtx); err != nil && bgCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	a.bgDone.Add(1)
	go func() {
		defer a.bgDone.Done()
		a.watchConfigUpdates(bgCtx)
	}()

	if a.alert != nil {
		if err := a.alert.Start(bgCtx); err != nil {
			return err
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Initialize(ctx); err != nil {
			// Socket delivery still works without push.
			a.log.Warn("push bridge unavailable", logx.Err(err))
		}
	}

	if cfg.ActiveProfile != "" {
		if err := a.connectProfile(ctx, cfg.ActiveProfile); err != nil {
			a.log.Warn("initial connect failed",
				logx.String("profile", cfg.ActiveProfile), logx.Err(err))
		}
	}

	if cfg.Reconnect.Enabled {
		schedule := cfg.Reconnect.Schedule
		if schedule == "" {
			schedule = defaultReconnectSchedule
		}
		c := cron.New()
		if _, err := c.AddFunc(schedule, func() { a.reconnectTick(bgCtx) }); err != nil {
			return fmt.Errorf("reconnect schedule %q: %w", schedule, err)
		}
		c.Start()
		a.cron = c
	}

	a.log.Info("daemon started", logx.String("active_profile", cfg.ActiveProfile))
	return nil
}

func (a *App) connectProfile(ctx context.Context, profileID string) error {
	user, pass, portal, err := a.creds.Credentials(profileID)
	if err != nil {
		return err
	}
	return a.store.Connect(ctx, profileID, user, pass, portal)
}

// reconnectTick re-establishes the active profile's connection when it is
// down. The protocol service never does this on its own; reconnection is
// the daemon's call.
func (a *App) reconnectTick(ctx context.Context) {
	cfg := a.cfgm.Get()
	if cfg == nil || cfg.ActiveProfile == "" {
		return
	}
	if a.svc.IsConnected() || a.svc.State() == eventserver.StateConnecting ||
		a.svc.State() == eventserver.StateAuthenticating {
		return
	}
	profileID := cfg.ActiveProfile
	if !a.store.GetSettings(profileID).Enabled {
		return
	}
	a.log.Info("reconnecting", logx.String("profile", profileID))
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.connectProfile(cctx, profileID); err != nil {
		a.log.Warn("reconnect failed", logx.String("profile", profileID), logx.Err(err))
	}
}

// watchConfigUpdates applies hot reloads: logging level/output swap and
// profile settings changes.
func (a *App) watchConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logsvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Profile changes go through the store so its connected-profile rules
	// (disconnect on disable, filter re-sync) apply.
	for id, p := range cfg.Profiles {
		patch := store.SettingsPatch{
			Enabled:   &p.Enabled,
			Host:      &p.Host,
			PlaySound: &p.PlaySound,
		}
		if p.Port > 0 {
			patch.Port = &p.Port
		}
		if p.UseTLS != nil {
			patch.UseTLS = p.UseTLS
		}
		if p.ShowToasts != nil {
			patch.ShowToasts = p.ShowToasts
		}
		if p.Monitors != nil {
			filters := make([]store.MonitorFilter, 0, len(p.Monitors))
			for _, m := range p.Monitors {
				enabled := true
				if m.Enabled != nil {
					enabled = *m.Enabled
				}
				filters = append(filters, store.MonitorFilter{
					MonitorID: m.ID, Enabled: enabled, IntervalSeconds: m.IntervalSeconds,
				})
			}
			patch.Filters = filters
		}
		if err := a.store.UpdateSettings(ctx, id, patch); err != nil {
			a.log.Warn("applying profile update failed", logx.String("profile", id), logx.Err(err))
		}
	}
	a.log.Info("config reloaded")
}

// Stop shuts everything down in reverse order of Start.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	started := a.started
	a.started = false
	a.mu.Unlock()
	if !started {
		return nil
	}

	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		a.cron = nil
	}
	if a.bridge != nil {
		a.bridge.Shutdown()
	}
	if a.alert != nil {
		a.alert.Stop()
	}
	a.store.Disconnect()
	if cancel != nil {
		cancel()
	}
	a.bgDone.Wait()
	if a.db != nil {
		_ = a.db.Close()
	}
	a.log.Info("daemon stopped")
	return a.logsvc.Close()
}

type logNavigator struct {
	log logx.Logger
}

func (n logNavigator) NavigateToEvent(profileID string, eventID, monitorID int64) {
	n.log.Info("navigate to event",
		logx.String("profile", profileID),
		logx.Int64("event_id", eventID),
		logx.Int64("monitor_id", monitorID))
}
