package usecase

import (
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
)

// ChangeObserver runs after a mutation has committed. The durable sync request
// was already written in the same transaction; this only wakes the
// coordinator early instead of waiting for its next poll.
type ChangeObserver struct {
	notifier ports.SyncNotifier
	log      *zap.Logger
}

func NewChangeObserver(notifier ports.SyncNotifier, log *zap.Logger) *ChangeObserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChangeObserver{notifier: notifier, log: log}
}

func (o *ChangeObserver) Created(app domain.Application) {
	o.observe(domain.EventApplicationCreated, app.AppID)
}

func (o *ChangeObserver) Updated(app domain.Application) {
	o.observe(domain.EventApplicationUpdated, app.AppID)
}

func (o *ChangeObserver) Deleted(appID string) {
	o.observe(domain.EventApplicationDeleted, appID)
}

func (o *ChangeObserver) observe(eventType, appID string) {
	if o == nil {
		return
	}
	reason := domain.ReasonFor(eventType)
	o.log.Info("application change committed",
		zap.String("app_id", appID),
		zap.String("reason", reason),
	)
	if o.notifier != nil {
		o.notifier.Notify(reason)
	}
}
