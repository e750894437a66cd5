package memrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
)

// CampaignRepo: кампании в памяти.
type CampaignRepo struct{ s *Store }

func (r *CampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[c.ID]; ok {
		return repo.ErrAlreadyExists
	}
	r.s.campaigns[c.ID] = *c
	return nil
}

func (r *CampaignRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, errNotFound()
	}
	return &c, nil
}

func (r *CampaignRepo) ListByStatus(_ context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sortByTime(out, func(c domain.Campaign) time.Time { return c.CreatedAt }, false)
	return out, nil
}

func (r *CampaignRepo) SetStatus(_ context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || !contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	c.PauseReason = reason
	c.UpdatedAt = r.s.now()
	r.s.campaigns[id] = c
	return true, nil
}
