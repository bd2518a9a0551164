package usecase

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
)

// memStore is an in-memory ApplicationStore. Every committed mutation appends
// to events, mirroring the outbox rows written by the real store.
type memStore struct {
	mu      sync.Mutex
	apps    map[string]domain.Application
	events  []domain.SyncRequest
	nextID  int64
	listErr error

	// createErrs and updateErrs are returned, in order, by the next
	// CreateWithEvents and UpdateWithEvents calls.
	createErrs []error
	updateErrs []error
}

func newMemStore() *memStore {
	return &memStore{apps: make(map[string]domain.Application)}
}

func (s *memStore) CreateWithEvents(_ context.Context, app domain.Application, meta domain.MutationMetadata) (domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		return domain.Application{}, err
	}
	if err := app.Validate(); err != nil {
		return domain.Application{}, err
	}
	for _, existing := range s.apps {
		if existing.AppID == app.AppID {
			return domain.Application{}, &domain.DuplicateError{Field: "app_id"}
		}
		if existing.AppKey == app.AppKey {
			return domain.Application{}, &domain.DuplicateError{Field: "app_key"}
		}
		if existing.AppSecret == app.AppSecret {
			return domain.Application{}, &domain.DuplicateError{Field: "app_secret"}
		}
	}
	s.nextID++
	app.InternalID = s.nextID
	app.CreatedAt = time.Now().UTC()
	app.UpdatedAt = app.CreatedAt
	s.apps[app.AppID] = app
	s.events = append(s.events, domain.NewSyncRequest("", domain.EventApplicationCreated, app.AppID, meta.Normalize()))
	return app, nil
}

func (s *memStore) UpdateWithEvents(_ context.Context, appID string, mutate func(*domain.Application) (bool, error), meta domain.MutationMetadata) (domain.Application, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updateErrs) > 0 {
		err := s.updateErrs[0]
		s.updateErrs = s.updateErrs[1:]
		return domain.Application{}, false, err
	}
	before, ok := s.apps[appID]
	if !ok {
		return domain.Application{}, false, domain.ErrNotFound
	}
	after := before
	after.AllowedOrigins = slices.Clone(before.AllowedOrigins)
	changed, err := mutate(&after)
	if err != nil {
		return domain.Application{}, false, err
	}
	if !changed {
		return before, false, nil
	}
	after.AppID, after.AppKey = before.AppID, before.AppKey
	if err := after.Validate(); err != nil {
		return domain.Application{}, false, err
	}
	s.apps[appID] = after
	s.events = append(s.events, domain.NewSyncRequest("", domain.EventApplicationUpdated, appID, meta.Normalize()))
	return after, true, nil
}

func (s *memStore) DeleteWithEvents(_ context.Context, appID string, meta domain.MutationMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[appID]; !ok {
		return false, nil
	}
	delete(s.apps, appID)
	s.events = append(s.events, domain.NewSyncRequest("", domain.EventApplicationDeleted, appID, meta.Normalize()))
	return true, nil
}

func (s *memStore) Get(_ context.Context, appID string) (domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return domain.Application{}, domain.ErrNotFound
	}
	return app, nil
}

func (s *memStore) List(_ context.Context, filter domain.ApplicationFilter) ([]domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Application, 0, len(s.apps))
	for _, app := range s.apps {
		if filter.Active != nil && app.IsActive != *filter.Active {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(app.Name), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, app)
	}
	return out, nil
}

func (s *memStore) FindActive(_ context.Context, field domain.LookupField, value string) (domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if !app.IsActive {
			continue
		}
		var got string
		switch field {
		case domain.LookupByID:
			got = app.AppID
		case domain.LookupByKey:
			got = app.AppKey
		case domain.LookupBySecret:
			got = app.AppSecret
		}
		if got == value {
			return app, nil
		}
	}
	return domain.Application{}, domain.ErrNotFound
}

func (s *memStore) ListActive(_ context.Context) ([]domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Application, 0, len(s.apps))
	for _, app := range s.apps {
		if app.IsActive {
			out = append(out, app)
		}
	}
	return out, nil
}

func (s *memStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *memStore) eventReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Reason)
	}
	return out
}

// memInstaller keeps the last installed config and reports changes the way
// the file installer does.
type memInstaller struct {
	mu        sync.Mutex
	installed *domain.ServerConfig
	installs  int
	err       error
}

func (i *memInstaller) Install(_ context.Context, cfg domain.ServerConfig) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return false, i.err
	}
	i.installs++
	changed := i.installed == nil || !sameConfig(*i.installed, cfg)
	c := cfg
	i.installed = &c
	return changed, nil
}

func (i *memInstaller) current() domain.ServerConfig {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.installed == nil {
		return domain.ServerConfig{}
	}
	return *i.installed
}

func sameConfig(a, b domain.ServerConfig) bool {
	if a.Server != b.Server || len(a.Apps) != len(b.Apps) {
		return false
	}
	for i := range a.Apps {
		x, y := a.Apps[i], b.Apps[i]
		if x.ID != y.ID || x.Key != y.Key || x.Secret != y.Secret || x.Capacity != y.Capacity ||
			!slices.Equal(x.AllowedOrigins, y.AllowedOrigins) {
			return false
		}
	}
	return true
}

type signalerStub struct {
	mu      sync.Mutex
	reasons []string
	errs    []error
}

func (s *signalerStub) Restart(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *signalerStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

type notifierStub struct {
	mu      sync.Mutex
	reasons []string
}

func (n *notifierStub) Notify(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

var errStoreDown = errors.New("store unavailable")
