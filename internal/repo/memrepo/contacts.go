package memrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
)

// ContactRepo: контакты в памяти.
type ContactRepo struct{ s *Store }

func (r *ContactRepo) Create(_ context.Context, c *domain.Contact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.contacts {
		if existing.ID == c.ID || (existing.CampaignID == c.CampaignID && existing.Email == c.Email) {
			return repo.ErrAlreadyExists
		}
	}
	r.s.contacts[c.ID] = *c
	return nil
}

func (r *ContactRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, errNotFound()
	}
	return &c, nil
}

func (r *ContactRepo) ListDue(_ context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Contact
	for _, c := range r.s.contacts {
		if c.CampaignID == campaignID && c.IsDue(now) {
			out = append(out, c)
		}
	}
	sortByTime(out, func(c domain.Contact) time.Time { return *c.NextEligibleSendAt }, false)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ContactRepo) FindRecentByEmail(_ context.Context, email string, since time.Time) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email = domain.NormalizeEmail(email)
	var best *domain.Contact
	for _, c := range r.s.contacts {
		if c.Email != email || c.LastSentAt == nil || c.LastSentAt.Before(since) {
			continue
		}
		if cp, ok := r.s.campaigns[c.CampaignID]; !ok || cp.Status != domain.CampaignStatusActive {
			continue
		}
		if best == nil || c.LastSentAt.After(*best.LastSentAt) {
			best = ptr(c)
		}
	}
	if best == nil {
		return nil, errNotFound()
	}
	return best, nil
}

func (r *ContactRepo) ListSoftBounced(_ context.Context, before time.Time, limit int) ([]domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Contact
	for _, c := range r.s.contacts {
		if c.Status == domain.ContactStatusPaused && c.PauseReason == domain.PauseReasonSoftBounce &&
			c.PausedAt != nil && !c.PausedAt.After(before) {
			out = append(out, c)
		}
	}
	sortByTime(out, func(c domain.Contact) time.Time { return *c.PausedAt }, false)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ContactRepo) Transition(_ context.Context, id uuid.UUID, from []domain.ContactStatus, to domain.ContactStatus, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok || !contains(from, c.Status) {
		return false, nil
	}
	now := r.s.now()
	c.Status = to
	c.PauseReason = reason
	if to == domain.ContactStatusPaused {
		c.PausedAt = ptr(now)
	}
	if to != domain.ContactStatusActive {
		c.NextEligibleSendAt = nil
	}
	c.UpdatedAt = now
	r.s.contacts[id] = c
	return true, nil
}

func (r *ContactRepo) Resume(_ context.Context, id uuid.UUID, nextEligible time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok || c.Status != domain.ContactStatusPaused {
		return false, nil
	}
	c.Status = domain.ContactStatusActive
	c.PauseReason = ""
	c.PausedAt = nil
	c.NextEligibleSendAt = ptr(nextEligible)
	c.UpdatedAt = r.s.now()
	r.s.contacts[id] = c
	return true, nil
}

func (r *ContactRepo) RecordSoftBounce(_ context.Context, id uuid.UUID) (int, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return 0, false, nil
	}
	softPaused := c.Status == domain.ContactStatusPaused && c.PauseReason == domain.PauseReasonSoftBounce
	if c.Status != domain.ContactStatusActive && !softPaused {
		return 0, false, nil
	}
	now := r.s.now()
	c.Status = domain.ContactStatusPaused
	c.PauseReason = domain.PauseReasonSoftBounce
	c.PausedAt = ptr(now)
	c.NextEligibleSendAt = nil
	c.SoftBounceCount++
	c.UpdatedAt = now
	r.s.contacts[id] = c
	return c.SoftBounceCount, true, nil
}

func (r *ContactRepo) ResetSoftBounces(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.contacts[id]; ok && c.SoftBounceCount > 0 {
		c.SoftBounceCount = 0
		r.s.contacts[id] = c
	}
	return nil
}

func (r *ContactRepo) ScheduleNext(_ context.Context, id uuid.UUID, next time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok || c.Status != domain.ContactStatusActive {
		return false, nil
	}
	c.NextEligibleSendAt = ptr(next)
	c.UpdatedAt = r.s.now()
	r.s.contacts[id] = c
	return true, nil
}

func (r *ContactRepo) RecordSent(_ context.Context, id uuid.UUID, step int, sentAt time.Time, next *time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok || c.SequencePosition >= step {
		return false, nil
	}
	c.SequencePosition = step
	c.LastSentAt = ptr(sentAt)
	if c.Status == domain.ContactStatusActive {
		c.NextEligibleSendAt = next
	}
	c.UpdatedAt = r.s.now()
	r.s.contacts[id] = c
	return true, nil
}

func (r *ContactRepo) ArmCampaign(_ context.Context, campaignID uuid.UUID, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.contacts {
		if c.CampaignID == campaignID && c.Status == domain.ContactStatusActive && c.NextEligibleSendAt == nil {
			c.NextEligibleSendAt = ptr(at)
			r.s.contacts[id] = c
			n++
		}
	}
	return n, nil
}

func (r *ContactRepo) CountByStatus(_ context.Context, campaignID uuid.UUID) (map[domain.ContactStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[domain.ContactStatus]int)
	for _, c := range r.s.contacts {
		if c.CampaignID == campaignID {
			counts[c.Status]++
		}
	}
	return counts, nil
}
