package memrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
)

// HistoryRepo: история отправок в памяти.
type HistoryRepo struct{ s *Store }

func (r *HistoryRepo) Append(_ context.Context, rec *domain.SendRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *rec
	cp.ProviderMessageID = domain.NormalizeMessageID(rec.ProviderMessageID)
	for _, h := range r.s.history {
		if h.ProviderMessageID == cp.ProviderMessageID {
			return nil
		}
	}
	r.s.history = append(r.s.history, cp)
	return nil
}

func (r *HistoryRepo) FindByMessageID(_ context.Context, messageID string) (*domain.SendRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	messageID = domain.NormalizeMessageID(messageID)
	for _, h := range r.s.history {
		if h.ProviderMessageID == messageID {
			return ptr(h), nil
		}
	}
	return nil, errNotFound()
}

func (r *HistoryRepo) LastForContact(_ context.Context, contactID uuid.UUID) (*domain.SendRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var last *domain.SendRecord
	for _, h := range r.s.history {
		if h.ContactID == contactID && (last == nil || h.SentAt.After(last.SentAt)) {
			last = ptr(h)
		}
	}
	if last == nil {
		return nil, errNotFound()
	}
	return last, nil
}

func (r *HistoryRepo) UpdateDeliveryStatus(_ context.Context, messageID string, from []domain.DeliveryStatus, to domain.DeliveryStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	messageID = domain.NormalizeMessageID(messageID)
	for i, h := range r.s.history {
		if h.ProviderMessageID == messageID && contains(from, h.DeliveryStatus) {
			r.s.history[i].DeliveryStatus = to
			r.s.history[i].UpdatedAt = r.s.now()
			return true, nil
		}
	}
	return false, nil
}

func (r *HistoryRepo) WindowStats(_ context.Context, campaignID uuid.UUID, since time.Time) (domain.WindowStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var w domain.WindowStats
	for _, h := range r.s.history {
		if h.CampaignID != campaignID || h.SentAt.Before(since) {
			continue
		}
		w.Sent++
		switch h.DeliveryStatus {
		case domain.DeliveryStatusBounced:
			w.Bounced++
		case domain.DeliveryStatusComplained:
			w.Complained++
		}
	}
	return w, nil
}

func (r *HistoryRepo) Totals(_ context.Context, campaignID uuid.UUID) (map[domain.DeliveryStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	totals := make(map[domain.DeliveryStatus]int)
	for _, h := range r.s.history {
		if h.CampaignID == campaignID {
			totals[h.DeliveryStatus]++
		}
	}
	return totals, nil
}
