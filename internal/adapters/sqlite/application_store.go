package sqlite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type applicationModel struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	AppID          string         `gorm:"column:app_id;not null"`
	AppKey         string         `gorm:"column:app_key;not null"`
	AppSecret      string         `gorm:"column:app_secret;not null"`
	AppSecretHash  string         `gorm:"column:app_secret_hash;not null"`
	Name           string         `gorm:"column:name;not null"`
	Description    string         `gorm:"column:description;not null"`
	IsActive       bool           `gorm:"column:is_active;not null"`
	MaxConnections int            `gorm:"column:max_connections;not null"`
	AllowedOrigins datatypes.JSON `gorm:"column:allowed_origins;not null"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (applicationModel) TableName() string {
	return "applications"
}

type auditEventModel struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventID           string    `gorm:"column:event_id;not null"`
	SchemaVersion     int       `gorm:"column:schema_version;not null"`
	AggregateType     string    `gorm:"column:aggregate_type;not null"`
	AggregateID       string    `gorm:"column:aggregate_id;not null"`
	Action            string    `gorm:"column:action;not null"`
	Actor             string    `gorm:"column:actor;not null"`
	Source            string    `gorm:"column:source;not null"`
	RequestID         string    `gorm:"column:request_id;not null"`
	BeforeJSON        string    `gorm:"column:before_json"`
	AfterJSON         string    `gorm:"column:after_json"`
	ChangedFieldsJSON string    `gorm:"column:changed_fields_json"`
	OccurredAt        time.Time `gorm:"column:occurred_at;not null"`
}

func (auditEventModel) TableName() string {
	return "audit_events"
}

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

// ApplicationStore persists applications. Each mutation writes the row, an
// audit event and a sync request in the same transaction, so a sync request
// exists if and only if the mutation committed.
type ApplicationStore struct {
	db *gormsqlite.DB
}

func NewApplicationStore(db *gormsqlite.DB) *ApplicationStore {
	return &ApplicationStore{db: db}
}

func (s *ApplicationStore) CreateWithEvents(ctx context.Context, app domain.Application, meta domain.MutationMetadata) (domain.Application, error) {
	meta = meta.Normalize()
	if app.AllowedOrigins == nil {
		app.AllowedOrigins = []string{}
	}
	if err := app.Validate(); err != nil {
		return domain.Application{}, err
	}

	var result domain.Application
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		now := meta.OccurredAt.UTC()
		model, err := toApplicationModel(app)
		if err != nil {
			return err
		}
		model.CreatedAt = now
		model.UpdatedAt = now

		if err := tx.Create(&model).Error; err != nil {
			if field, ok := duplicateField(err); ok {
				return &domain.DuplicateError{Field: field}
			}
			return fmt.Errorf("insert application: %w", err)
		}

		result, err = toApplicationDomain(model)
		if err != nil {
			return err
		}
		return insertAuditAndOutbox(tx.DB, domain.EventApplicationCreated, nil, &result, meta)
	})
	if err != nil {
		return domain.Application{}, err
	}
	return result, nil
}

func (s *ApplicationStore) UpdateWithEvents(ctx context.Context, appID string, mutate func(*domain.Application) (bool, error), meta domain.MutationMetadata) (domain.Application, bool, error) {
	meta = meta.Normalize()
	var (
		result  domain.Application
		changed bool
	)

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var existing applicationModel
		if err := tx.Where("app_id = ?", appID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("load application: %w", err)
		}

		before, err := toApplicationDomain(existing)
		if err != nil {
			return err
		}
		after := before
		after.AllowedOrigins = slices.Clone(before.AllowedOrigins)
		changed, err = mutate(&after)
		if err != nil {
			return err
		}
		if !changed {
			result = before
			return nil
		}

		after.InternalID = before.InternalID
		after.AppID = before.AppID
		after.AppKey = before.AppKey
		after.CreatedAt = before.CreatedAt
		after.UpdatedAt = meta.OccurredAt.UTC()
		if after.AllowedOrigins == nil {
			after.AllowedOrigins = []string{}
		}
		if err := after.Validate(); err != nil {
			return err
		}

		model, err := toApplicationModel(after)
		if err != nil {
			return err
		}
		err = tx.Model(&applicationModel{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"app_secret":      model.AppSecret,
				"app_secret_hash": model.AppSecretHash,
				"name":            model.Name,
				"description":     model.Description,
				"is_active":       model.IsActive,
				"max_connections": model.MaxConnections,
				"allowed_origins": model.AllowedOrigins,
				"updated_at":      model.UpdatedAt,
			}).Error
		if err != nil {
			if field, ok := duplicateField(err); ok {
				return &domain.DuplicateError{Field: field}
			}
			return fmt.Errorf("update application: %w", err)
		}

		result = after
		return insertAuditAndOutbox(tx.DB, domain.EventApplicationUpdated, &before, &after, meta)
	})
	if err != nil {
		return domain.Application{}, false, err
	}
	return result, changed, nil
}

func (s *ApplicationStore) DeleteWithEvents(ctx context.Context, appID string, meta domain.MutationMetadata) (bool, error) {
	meta = meta.Normalize()
	deleted := false

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var existing applicationModel
		if err := tx.Where("app_id = ?", appID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("load application before delete: %w", err)
		}

		if err := tx.Where("id = ?", existing.ID).Delete(&applicationModel{}).Error; err != nil {
			return fmt.Errorf("delete application: %w", err)
		}

		before, err := toApplicationDomain(existing)
		if err != nil {
			return err
		}
		if err := insertAuditAndOutbox(tx.DB, domain.EventApplicationDeleted, &before, nil, meta); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *ApplicationStore) Get(ctx context.Context, appID string) (domain.Application, error) {
	var model applicationModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("app_id = ?", appID).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Application{}, domain.ErrNotFound
		}
		return domain.Application{}, fmt.Errorf("get application: %w", err)
	}
	return toApplicationDomain(model)
}

func (s *ApplicationStore) List(ctx context.Context, filter domain.ApplicationFilter) ([]domain.Application, error) {
	var models []applicationModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&applicationModel{})
		if filter.Active != nil {
			query = query.Where("is_active = ?", *filter.Active)
		}
		if filter.Search != "" {
			like := "%" + strings.ToLower(filter.Search) + "%"
			query = query.Where("lower(name) LIKE ? OR lower(app_id) LIKE ?", like, like)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		return query.Order("created_at DESC").Order("id DESC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return toApplicationList(models)
}

// FindActive looks up an active application by one credential column. Secrets
// are matched through their indexed hash; the caller still compares the
// returned secret in constant time.
func (s *ApplicationStore) FindActive(ctx context.Context, field domain.LookupField, value string) (domain.Application, error) {
	column := string(field)
	switch field {
	case domain.LookupByID, domain.LookupByKey:
	case domain.LookupBySecret:
		column = "app_secret_hash"
		value = HashSecret(value)
	default:
		return domain.Application{}, fmt.Errorf("unsupported lookup field %q", field)
	}

	var model applicationModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where(column+" = ? AND is_active = ?", value, true).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Application{}, domain.ErrNotFound
		}
		return domain.Application{}, fmt.Errorf("find active application by %s: %w", field, err)
	}
	return toApplicationDomain(model)
}

func (s *ApplicationStore) ListActive(ctx context.Context) ([]domain.Application, error) {
	var models []applicationModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("is_active = ?", true).Order("app_id ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list active applications: %w", err)
	}
	return toApplicationList(models)
}

func HashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

func insertAuditAndOutbox(tx *gorm.DB, eventType string, before, after *domain.Application, meta domain.MutationMetadata) error {
	appID := ""
	switch {
	case after != nil:
		appID = after.AppID
	case before != nil:
		appID = before.AppID
	}

	eventID := uuid.NewString()
	occurredAt := meta.OccurredAt.UTC()

	audit := auditEventModel{
		EventID:           eventID,
		SchemaVersion:     domain.CurrentEventSchemaVersion,
		AggregateType:     domain.AggregateApplication,
		AggregateID:       appID,
		Action:            eventType,
		Actor:             meta.Actor,
		Source:            meta.Source,
		RequestID:         meta.RequestID,
		BeforeJSON:        snapshotJSON(before),
		AfterJSON:         snapshotJSON(after),
		ChangedFieldsJSON: string(mustJSON(changedFields(before, after))),
		OccurredAt:        occurredAt,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload, err := json.Marshal(domain.NewSyncRequest(eventID, eventType, appID, meta))
	if err != nil {
		return fmt.Errorf("marshal sync request: %w", err)
	}
	if err := tx.Create(newOutboxModel(eventID, string(payload), occurredAt)).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func newOutboxModel(eventID, payload string, at time.Time) *outboxEventModel {
	return &outboxEventModel{
		EventID:       eventID,
		Topic:         domain.TopicSync,
		PayloadJSON:   payload,
		Status:        domain.OutboxPending,
		NextAttemptAt: at,
		CreatedAt:     at,
	}
}

// auditSnapshot is an application minus its secret.
type auditSnapshot struct {
	AppID          string   `json:"app_id"`
	AppKey         string   `json:"app_key"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	IsActive       bool     `json:"is_active"`
	MaxConnections int      `json:"max_connections"`
	AllowedOrigins []string `json:"allowed_origins"`
}

func snapshotJSON(app *domain.Application) string {
	if app == nil {
		return ""
	}
	return string(mustJSON(auditSnapshot{
		AppID:          app.AppID,
		AppKey:         app.AppKey,
		Name:           app.Name,
		Description:    app.Description,
		IsActive:       app.IsActive,
		MaxConnections: app.MaxConnections,
		AllowedOrigins: app.AllowedOrigins,
	}))
}

func changedFields(before, after *domain.Application) []string {
	if before == nil || after == nil {
		return []string{}
	}
	changed := []string{}
	if before.Name != after.Name {
		changed = append(changed, "name")
	}
	if before.Description != after.Description {
		changed = append(changed, "description")
	}
	if before.IsActive != after.IsActive {
		changed = append(changed, "is_active")
	}
	if before.MaxConnections != after.MaxConnections {
		changed = append(changed, "max_connections")
	}
	if !slices.Equal(before.AllowedOrigins, after.AllowedOrigins) {
		changed = append(changed, "allowed_origins")
	}
	if before.AppSecret != after.AppSecret {
		changed = append(changed, "app_secret")
	}
	return changed
}

// duplicateField maps a SQLite unique violation to the offending column.
func duplicateField(err error) (string, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return "", false
	}
	if strings.Contains(msg, "applications.app_secret_hash") {
		return "app_secret", true
	}
	for _, field := range []string{"app_id", "app_key"} {
		if strings.Contains(msg, "applications."+field) {
			return field, true
		}
	}
	return "application", true
}

func toApplicationModel(app domain.Application) (applicationModel, error) {
	origins, err := json.Marshal(app.AllowedOrigins)
	if err != nil {
		return applicationModel{}, fmt.Errorf("marshal allowed origins: %w", err)
	}
	return applicationModel{
		ID:             app.InternalID,
		AppID:          app.AppID,
		AppKey:         app.AppKey,
		AppSecret:      app.AppSecret,
		AppSecretHash:  HashSecret(app.AppSecret),
		Name:           app.Name,
		Description:    app.Description,
		IsActive:       app.IsActive,
		MaxConnections: app.MaxConnections,
		AllowedOrigins: datatypes.JSON(origins),
		CreatedAt:      app.CreatedAt,
		UpdatedAt:      app.UpdatedAt,
	}, nil
}

func toApplicationDomain(model applicationModel) (domain.Application, error) {
	origins := []string{}
	if len(model.AllowedOrigins) > 0 {
		if err := json.Unmarshal(model.AllowedOrigins, &origins); err != nil {
			return domain.Application{}, fmt.Errorf("decode allowed origins of %s: %w", model.AppID, err)
		}
		if origins == nil {
			origins = []string{}
		}
	}
	return domain.Application{
		InternalID:     model.ID,
		AppID:          model.AppID,
		AppKey:         model.AppKey,
		AppSecret:      model.AppSecret,
		Name:           model.Name,
		Description:    model.Description,
		IsActive:       model.IsActive,
		MaxConnections: model.MaxConnections,
		AllowedOrigins: origins,
		CreatedAt:      model.CreatedAt.UTC(),
		UpdatedAt:      model.UpdatedAt.UTC(),
	}, nil
}

func toApplicationList(models []applicationModel) ([]domain.Application, error) {
	result := make([]domain.Application, 0, len(models))
	for _, model := range models {
		app, err := toApplicationDomain(model)
		if err != nil {
			return nil, err
		}
		result = append(result, app)
	}
	return result, nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
