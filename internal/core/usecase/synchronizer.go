package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SyncResult is a rebuilt configuration and whether installing it changed
// what the messaging server will load.
type SyncResult struct {
	Config  domain.ServerConfig
	Changed bool
}

// Synchronizer rebuilds the messaging server's configuration from the store
// and installs it. A store failure installs an empty application set.
type Synchronizer struct {
	store     ports.ApplicationStore
	installer ports.ConfigInstaller
	endpoint  domain.ServerEndpoint
	protocol  domain.ProtocolDefaults
	log       *zap.Logger

	group singleflight.Group
	// runMu serializes rebuilds so installs land in snapshot order.
	runMu sync.Mutex
	mu    sync.Mutex
	// next is the generation that has not read the store yet. Callers join
	// it, never a run whose snapshot predates them.
	next uint64
}

func NewSynchronizer(store ports.ApplicationStore, installer ports.ConfigInstaller, endpoint domain.ServerEndpoint, protocol domain.ProtocolDefaults, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{store: store, installer: installer, endpoint: endpoint, protocol: protocol, log: log}
}

// Rebuild returns the installed configuration. When the rebuild itself fails
// the returned configuration is the empty one installed in its place and the
// error is a *domain.SyncError. When ctx ends before the rebuild finishes the
// configuration is zero and the error wraps ctx.Err().
func (s *Synchronizer) Rebuild(ctx context.Context) (domain.ServerConfig, error) {
	result, err := s.Sync(ctx)
	return result.Config, err
}

// Sync is Rebuild plus change detection. Concurrent callers share a run only
// when that run reads the store after they arrived.
func (s *Synchronizer) Sync(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	gen := s.next
	ch := s.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		s.mu.Lock()
		if s.next == gen {
			s.next++
		}
		s.mu.Unlock()
		return s.rebuild(context.WithoutCancel(ctx))
	})
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return SyncResult{}, fmt.Errorf("wait for config rebuild: %w", ctx.Err())
	case res := <-ch:
		result, _ := res.Val.(SyncResult)
		return result, res.Err
	}
}

func (s *Synchronizer) rebuild(ctx context.Context) (SyncResult, error) {
	start := time.Now()
	defer func() { syncRebuildDuration.Observe(time.Since(start).Seconds()) }()

	apps, loadErr := s.store.ListActive(ctx)
	if loadErr != nil {
		return s.failClosed(ctx, fmt.Errorf("load active applications: %w", loadErr))
	}

	cfg := s.emptyConfig()
	for _, app := range apps {
		cfg.Apps = append(cfg.Apps, domain.NewApplicationConfig(app, s.protocol))
	}
	slices.SortFunc(cfg.Apps, func(a, b domain.ApplicationConfig) int {
		return strings.Compare(a.ID, b.ID)
	})

	changed, err := s.installer.Install(ctx, cfg)
	if err != nil {
		syncRebuildTotal.WithLabelValues("install_error").Inc()
		s.log.Error("install server config failed", zap.Error(err))
		return SyncResult{Config: cfg}, &domain.SyncError{Err: fmt.Errorf("install server config: %w", err)}
	}

	syncRebuildTotal.WithLabelValues("ok").Inc()
	syncActiveApps.Set(float64(len(cfg.Apps)))
	s.log.Info("server config rebuilt",
		zap.Int("apps", len(cfg.Apps)),
		zap.Bool("changed", changed),
	)
	return SyncResult{Config: cfg, Changed: changed}, nil
}

func (s *Synchronizer) failClosed(ctx context.Context, cause error) (SyncResult, error) {
	syncRebuildTotal.WithLabelValues("store_error").Inc()
	cfg := s.emptyConfig()
	changed, installErr := s.installer.Install(ctx, cfg)
	if installErr != nil {
		cause = errors.Join(cause, fmt.Errorf("install empty server config: %w", installErr))
	} else {
		syncActiveApps.Set(0)
	}
	s.log.Error("server config rebuild failed, installed empty application set",
		zap.Error(cause),
		zap.Bool("changed", changed),
	)
	return SyncResult{Config: cfg, Changed: changed}, &domain.SyncError{Err: cause}
}

func (s *Synchronizer) emptyConfig() domain.ServerConfig {
	return domain.ServerConfig{Server: s.endpoint, Apps: []domain.ApplicationConfig{}}
}
