package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/google/uuid"
)

type AuditTrailRepository struct {
	db *gormsqlite.DB
}

func NewAuditTrailRepository(db *gormsqlite.DB) *AuditTrailRepository {
	return &AuditTrailRepository{db: db}
}

func (r *AuditTrailRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	var rows []auditEventModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&auditEventModel{}).Where("aggregate_type = ?", domain.AggregateApplication)
		if filter.AggregateID != "" {
			query = query.Where("aggregate_id = ?", filter.AggregateID)
		}
		if filter.Action != "" {
			query = query.Where("action = ?", filter.Action)
		}
		if filter.AfterID > 0 {
			query = query.Where("id < ?", filter.AfterID)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		return query.Order("id DESC").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	result := make([]domain.AuditTrailEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.AuditTrailEvent{
			ID:            row.ID,
			EventID:       row.EventID,
			SchemaVersion: row.SchemaVersion,
			AggregateType: row.AggregateType,
			AggregateID:   row.AggregateID,
			Action:        row.Action,
			Actor:         row.Actor,
			Source:        row.Source,
			RequestID:     row.RequestID,
			BeforeJSON:    rawOrNil(row.BeforeJSON),
			AfterJSON:     rawOrNil(row.AfterJSON),
			ChangedJSON:   rawOrNil(row.ChangedFieldsJSON),
			OccurredAt:    row.OccurredAt,
		})
	}

	return result, nil
}

const defaultClaimLease = 5 * time.Minute

// OutboxRepository is the durable queue behind the restart coordinator.
// Claimed rows that were never completed (worker crash) become claimable
// again once their lease runs out.
type OutboxRepository struct {
	db    *gormsqlite.DB
	lease time.Duration
}

func NewOutboxRepository(db *gormsqlite.DB, lease time.Duration) *OutboxRepository {
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &OutboxRepository{db: db, lease: lease}
}

func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxEventModel
	now := time.Now().UTC()
	staleBefore := now.Add(-r.lease)

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		err := tx.Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND claimed_at <= ?)",
			domain.OutboxPending, now, domain.OutboxInFlight, staleBefore).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
			rows[i].Status = domain.OutboxInFlight
			rows[i].ClaimedAt = &now
		}
		return tx.Model(&outboxEventModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": domain.OutboxInFlight, "claimed_at": &now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox: %w", err)
	}

	result := make([]domain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.OutboxEvent{
			ID:            row.ID,
			EventID:       row.EventID,
			Topic:         row.Topic,
			PayloadJSON:   json.RawMessage(row.PayloadJSON),
			Status:        row.Status,
			Attempts:      row.Attempts,
			NextAttemptAt: row.NextAttemptAt,
			ClaimedAt:     row.ClaimedAt,
			LastError:     row.LastError,
			CreatedAt:     row.CreatedAt,
			DispatchedAt:  row.DispatchedAt,
		})
	}
	return result, nil
}

func (r *OutboxRepository) MarkCompleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": domain.OutboxCompleted, "dispatched_at": &now, "claimed_at": nil, "last_error": ""}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox completed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error {
	parsed, err := time.Parse(time.RFC3339Nano, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("parse next attempt: %w", err)
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":          domain.OutboxPending,
				"attempts":        attempts,
				"next_attempt_at": parsed,
				"claimed_at":      nil,
				"last_error":      errMsg,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDead, "attempts": attempts, "claimed_at": nil, "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox dead: %w", err)
	}
	return nil
}

// Enqueue adds a sync request that is not tied to an application mutation,
// such as a manual or periodic reconcile.
func (r *OutboxRepository) Enqueue(ctx context.Context, req domain.SyncRequest) error {
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonFor(req.EventType)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal sync request: %w", err)
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(newOutboxModel(req.EventID, string(payload), req.RequestedAt.UTC())).Error
	})
	if err != nil {
		return fmt.Errorf("enqueue sync request: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Select("status, COUNT(*) AS total").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}

	var stats domain.OutboxStats
	for _, c := range rows {
		switch c.Status {
		case domain.OutboxPending:
			stats.Pending = c.Total
		case domain.OutboxInFlight:
			stats.InFlight = c.Total
		case domain.OutboxCompleted:
			stats.Completed = c.Total
		case domain.OutboxDead:
			stats.Dead = c.Total
		}
	}
	return stats, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
