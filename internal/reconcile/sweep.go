package reconcile

import (
	"context"
	"fmt"
)

// ResumeSoftBounced возвращает в active контакты, которые стоят на паузе
// soft_bounce дольше SoftBounceResumeAfter. Следующая отправка: сейчас.
func (r *Reconciler) ResumeSoftBounced(ctx context.Context) (int, error) {
	now := r.now().UTC()
	contacts, err := r.contacts.ListSoftBounced(ctx, now.Add(-r.softBounceAfter), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list soft bounced contacts: %w", err)
	}

	resumed := 0
	for _, c := range contacts {
		ok, err := r.sequence.Resume(ctx, c.ID, now)
		if err != nil {
			r.logger.Error("failed to resume soft bounced contact", "contact_id", c.ID, "error", err)
			continue
		}
		if ok {
			resumed++
		}
	}
	if resumed > 0 {
		r.logger.Info("soft bounced contacts resumed", "count", resumed)
	}
	return resumed, nil
}

// Prune удаляет обработанные события старше Retention.
func (r *Reconciler) Prune(ctx context.Context) (int64, error) {
	n, err := r.events.Prune(ctx, r.now().UTC().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("prune inbound events: %w", err)
	}
	if n > 0 {
		r.logger.Info("inbound events pruned", "count", n)
	}
	return n, nil
}
