package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"

	"gemini-relay/internal/config"
	"gemini-relay/internal/gemini"
	"gemini-relay/internal/history"
	"gemini-relay/internal/keypool"
	"gemini-relay/internal/proxy"
	"gemini-relay/internal/store"
)

// Service wrapper types for DI registration.

// ConfigService wraps the loaded configuration.
type ConfigService struct {
	Config *config.Config
}

// LoggerService wraps the zerolog logger.
type LoggerService struct {
	Logger *zerolog.Logger
}

// StoreService wraps the SQLite store.
type StoreService struct {
	Store *store.Store
}

// PoolService wraps the key pool manager and its file syncer.
type PoolService struct {
	Pool   *keypool.Manager
	Syncer *keypool.Syncer
}

// WatcherService wraps the key-file watcher.
type WatcherService struct {
	Watcher *keypool.Watcher
}

// HistoryService wraps the chat transcript.
type HistoryService struct {
	History *history.Store
}

// ClientService wraps the upstream client.
type ClientService struct {
	Client *gemini.Client
}

// AppService wraps the HTTP handler set.
type AppService struct {
	App *proxy.App
}

// ServerService wraps the HTTP server.
type ServerService struct {
	Server *proxy.Server
}

// RegisterSingletons registers all providers in dependency order.
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewStore)
	do.Provide(i, NewPool)
	do.Provide(i, NewWatcher)
	do.Provide(i, NewHistory)
	do.Provide(i, NewClient)
	do.Provide(i, NewApp)
	do.Provide(i, NewHTTPServer)
}

// NewConfig loads the configuration from the config path.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	return &ConfigService{Config: cfg}, nil
}

// NewLogger creates the zerolog logger from configuration.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	logger, err := proxy.NewLogger(cfgSvc.Config.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &LoggerService{Logger: &logger}, nil
}

// NewStore opens the SQLite database, creating the schema as needed.
func NewStore(i do.Injector) (*StoreService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	st, err := store.Open(cfgSvc.Config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return &StoreService{Store: st}, nil
}

// Shutdown implements do.Shutdowner for database cleanup.
func (s *StoreService) Shutdown() error {
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// NewPool creates the key pool manager over the store and key files.
func NewPool(i do.Injector) (*PoolService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	storeSvc := do.MustInvoke[*StoreService](i)

	cfg := cfgSvc.Config
	syncer := keypool.NewSyncer(storeSvc.Store.DB(), cfg.FreeKeyFile, cfg.PaidKeyFile)

	pool, err := keypool.NewManager(storeSvc.Store, syncer, keypool.Config{
		Cooldown:           cfg.Cooldown(),
		RequestsPerMinute:  cfg.RequestsPerMinute,
		RequestsPerDay:     cfg.RequestsPerDay,
		MaxFreeKeyFailures: cfg.MaxFreeKeyFailures,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key pool: %w", err)
	}

	return &PoolService{Pool: pool, Syncer: syncer}, nil
}

// NewWatcher creates and starts the key-file watcher.
func NewWatcher(i do.Injector) (*WatcherService, error) {
	poolSvc := do.MustInvoke[*PoolService](i)

	watcher, err := keypool.NewWatcher(poolSvc.Pool, poolSvc.Syncer)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to start key file watcher: %w", err)
	}

	return &WatcherService{Watcher: watcher}, nil
}

// Shutdown implements do.Shutdowner for watcher cleanup.
func (w *WatcherService) Shutdown() error {
	if w.Watcher != nil {
		return w.Watcher.Close()
	}
	return nil
}

// NewHistory creates the transcript store with the configured base prompt.
func NewHistory(i do.Injector) (*HistoryService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	return &HistoryService{History: history.NewStore(cfgSvc.Config.BasePrompt)}, nil
}

// NewClient creates the upstream client.
func NewClient(i do.Injector) (*ClientService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	return &ClientService{
		Client: gemini.NewClient(cfgSvc.Config.BaseURL, cfgSvc.Config.RequestTimeout()),
	}, nil
}

// NewApp builds the handler set.
func NewApp(i do.Injector) (*AppService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	poolSvc := do.MustInvoke[*PoolService](i)
	historySvc := do.MustInvoke[*HistoryService](i)
	clientSvc := do.MustInvoke[*ClientService](i)

	app := proxy.NewApp(cfgSvc.Config, poolSvc.Pool, historySvc.History, clientSvc.Client)

	return &AppService{App: app}, nil
}

// NewHTTPServer creates the HTTP server.
func NewHTTPServer(i do.Injector) (*ServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	appSvc := do.MustInvoke[*AppService](i)

	return &ServerService{Server: proxy.NewServer(cfgSvc.Config, appSvc.App)}, nil
}

// Shutdown implements do.Shutdowner for graceful server shutdown.
func (s *ServerService) Shutdown() error {
	if s.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Server.Shutdown(ctx)
	}
	return nil
}
