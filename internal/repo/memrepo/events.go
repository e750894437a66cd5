package memrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
)

// EventRepo: журнал входящих событий в памяти.
type EventRepo struct{ s *Store }

func (r *EventRepo) Insert(_ context.Context, ev *domain.InboundEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.events {
		if e.Provider == ev.Provider && e.ProviderEventID == ev.ProviderEventID {
			return false, nil
		}
	}
	r.s.events[ev.ID] = *ev
	return true, nil
}

func (r *EventRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.InboundEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok {
		return nil, errNotFound()
	}
	return &ev, nil
}

func (r *EventRepo) Claim(_ context.Context, id uuid.UUID, leaseBefore time.Time) (*domain.InboundEvent, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok || ev.ProcessedAt != nil || (ev.ClaimedAt != nil && !ev.ClaimedAt.Before(leaseBefore)) {
		return nil, false, nil
	}
	ev.ClaimedAt = ptr(r.s.now())
	ev.Attempts++
	r.s.events[id] = ev
	return &ev, true, nil
}

func (r *EventRepo) MarkProcessed(_ context.Context, id uuid.UUID, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok || ev.ProcessedAt != nil {
		return nil
	}
	ev.ProcessedAt = ptr(r.s.now())
	ev.LastError = errMsg
	r.s.events[id] = ev
	return nil
}

func (r *EventRepo) Release(_ context.Context, id uuid.UUID, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok || ev.ProcessedAt != nil {
		return nil
	}
	ev.ClaimedAt = nil
	ev.LastError = errMsg
	r.s.events[id] = ev
	return nil
}

func (r *EventRepo) ListPending(_ context.Context, leaseBefore time.Time, limit int) ([]domain.InboundEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.InboundEvent
	for _, ev := range r.s.events {
		if ev.ProcessedAt == nil && (ev.ClaimedAt == nil || ev.ClaimedAt.Before(leaseBefore)) {
			out = append(out, ev)
		}
	}
	sortByTime(out, func(e domain.InboundEvent) time.Time { return e.ReceivedAt }, false)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EventRepo) Prune(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, ev := range r.s.events {
		if ev.ProcessedAt != nil && ev.ProcessedAt.Before(before) {
			delete(r.s.events, id)
			n++
		}
	}
	return n, nil
}
