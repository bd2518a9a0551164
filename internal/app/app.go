package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/configfile"
	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/restart"
	sqliteadapter "github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/usecase"
	"github.com/atvirokodosprendimai/wsregistry/migrations"
)

type Config struct {
	Addr       string
	DBPath     string
	ConfigPath string

	Endpoint domain.ServerEndpoint
	Protocol domain.ProtocolDefaults
	Restart  restart.Config

	BootstrapAdminToken string
	BootstrapKeyName    string

	DebounceQuiet     time.Duration
	DebounceMaxWait   time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	ClaimLease        time.Duration
	Workers           int
	MaxRetry          int
	SignalRetries     uint64

	SQLLogLevel string

	// Signaler replaces the one built from Restart when set.
	Signaler ports.RestartSignaler
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry is the fully wired core. Background workers are not started until
// Start is called, so one-shot commands can use it as well.
type Registry struct {
	Apps         *usecase.ApplicationService
	Audit        *usecase.AuditService
	Auth         *usecase.AuthService
	Sync         *usecase.SyncService
	Provider     *usecase.Provider
	Synchronizer *usecase.Synchronizer
	Coordinator  *usecase.RestartCoordinator
	Reconciler   *usecase.Reconciler
	Signaler     ports.RestartSignaler
	Outbox       *sqliteadapter.OutboxRepository
	Installer    *configfile.FileInstaller

	log    *zap.Logger
	closer resourceCloser
}

func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Protocol == (domain.ProtocolDefaults{}) {
		cfg.Protocol = domain.DefaultProtocol()
	}

	db, err := gormsqlite.Open(cfg.DBPath, gormsqlite.Options{
		Logger:   log,
		LogLevel: parseSQLLogLevel(cfg.SQLLogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	version, err := migrations.UpVersion(migrateCtx, writeSQLDB)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("database migrated", zap.String("path", cfg.DBPath), zap.Int64("version", version))

	signaler := cfg.Signaler
	var signalCloser io.Closer
	if signaler == nil {
		signaler, signalCloser, err = restart.New(cfg.Restart, log.Named("restart"))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("build restart signaler: %w", err)
		}
	}

	store := sqliteadapter.NewApplicationStore(db)
	outbox := sqliteadapter.NewOutboxRepository(db, cfg.ClaimLease)
	adminKeys := sqliteadapter.NewAdminKeyRepository(db)
	auditTrail := sqliteadapter.NewAuditTrailRepository(db)
	installer := configfile.NewFileInstaller(cfg.ConfigPath, log.Named("configfile"))

	debouncer := usecase.NewDebouncer(cfg.DebounceQuiet, cfg.DebounceMaxWait, log.Named("debounce"))
	observer := usecase.NewChangeObserver(debouncer, log.Named("observer"))
	synchronizer := usecase.NewSynchronizer(store, installer, cfg.Endpoint, cfg.Protocol, log.Named("sync"))
	coordinator := usecase.NewRestartCoordinator(outbox, synchronizer, signaler, debouncer.C(), log.Named("coordinator"), usecase.CoordinatorOptions{
		Interval:      cfg.PollInterval,
		MaxRetry:      cfg.MaxRetry,
		Workers:       cfg.Workers,
		SignalRetries: cfg.SignalRetries,
	})
	reconciler := usecase.NewReconciler(synchronizer, outbox, debouncer, cfg.ReconcileInterval, log.Named("reconcile"))
	auth := usecase.NewAuthService(adminKeys)

	if cfg.BootstrapAdminToken != "" {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 5*time.Second)
		err := auth.Bootstrap(bootstrapCtx, cfg.BootstrapAdminToken, cfg.BootstrapKeyName)
		bootstrapCancel()
		if err != nil {
			_ = debouncer.Close()
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap admin token: %w", err)
		}
	}

	return &Registry{
		Apps:         usecase.NewApplicationService(store, usecase.NewCredentialGenerator(), observer, log.Named("apps")),
		Audit:        usecase.NewAuditService(auditTrail),
		Auth:         auth,
		Sync:         usecase.NewSyncService(outbox, debouncer, coordinator),
		Provider:     usecase.NewProvider(store, cfg.Protocol, log.Named("provider")),
		Synchronizer: synchronizer,
		Coordinator:  coordinator,
		Reconciler:   reconciler,
		Signaler:     signaler,
		Outbox:       outbox,
		Installer:    installer,
		log:          log,
		closer:       resourceCloser{closers: []io.Closer{reconciler, coordinator, debouncer, signalCloser, db}},
	}, nil
}

// Start launches the coordinator and the periodic reconciler.
func (r *Registry) Start(ctx context.Context) {
	r.Coordinator.Start(ctx)
	r.Reconciler.Start(ctx)
}

func (r *Registry) Close() error {
	return r.closer.Close()
}

// NewServer opens the registry, starts its workers and returns the admin HTTP
// server. The closer stops the workers and releases the database.
func NewServer(ctx context.Context, cfg Config, log *zap.Logger) (*http.Server, io.Closer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg, err := Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	handler, err := httpapi.NewHandler(reg.Apps, reg.Audit, reg.Sync, reg.Auth, log)
	if err != nil {
		_ = reg.Close()
		return nil, nil, fmt.Errorf("build http handler: %w", err)
	}

	// Converge on startup so a config lost while the process was down is
	// rebuilt before the first mutation.
	if _, err := reg.Reconciler.RunOnce(ctx); err != nil {
		log.Warn("initial reconcile failed", zap.Error(err))
	}
	reg.Start(context.WithoutCancel(ctx))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, reg, nil
}

func parseSQLLogLevel(level string) logger.LogLevel {
	switch level {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	}
	return logger.Silent
}
