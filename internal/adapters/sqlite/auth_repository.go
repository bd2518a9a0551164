package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type adminKeyModel struct {
	TokenHash string    `gorm:"column:token_hash;primaryKey"`
	Name      string    `gorm:"column:name;not null"`
	Active    bool      `gorm:"column:active;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (adminKeyModel) TableName() string {
	return "admin_keys"
}

type AdminKeyRepository struct {
	db *gormsqlite.DB
}

func NewAdminKeyRepository(db *gormsqlite.DB) *AdminKeyRepository {
	return &AdminKeyRepository{db: db}
}

func (r *AdminKeyRepository) FindByTokenHash(ctx context.Context, tokenHash string) (domain.AdminKey, error) {
	var model adminKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("token_hash = ?", tokenHash).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AdminKey{}, domain.ErrNotFound
		}
		return domain.AdminKey{}, fmt.Errorf("find admin key: %w", err)
	}

	return domain.AdminKey{
		TokenHash: model.TokenHash,
		Name:      model.Name,
		Active:    model.Active,
		CreatedAt: model.CreatedAt,
	}, nil
}

func (r *AdminKeyRepository) Upsert(ctx context.Context, key domain.AdminKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	model := adminKeyModel{
		TokenHash: key.TokenHash,
		Name:      key.Name,
		Active:    key.Active,
		CreatedAt: key.CreatedAt,
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "active"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upsert admin key: %w", err)
	}
	return nil
}
