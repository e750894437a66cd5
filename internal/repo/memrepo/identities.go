package memrepo

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
)

// IdentityRepo: аккаунты в памяти.
type IdentityRepo struct{ s *Store }

func (r *IdentityRepo) Create(_ context.Context, i *domain.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.identities[i.ID]; ok {
		return repo.ErrAlreadyExists
	}
	cp := *i
	cp.CounterDay = domain.Day(i.CounterDay)
	r.s.identities[i.ID] = cp
	return nil
}

func (r *IdentityRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return nil, errNotFound()
	}
	return &i, nil
}

func (r *IdentityRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]domain.Identity, error) {
	return r.filter(tenantID, func(domain.Identity) bool { return true }), nil
}

func (r *IdentityRepo) ListSelectable(_ context.Context, tenantID uuid.UUID) ([]domain.Identity, error) {
	out := r.filter(tenantID, func(i domain.Identity) bool { return i.Status == domain.IdentityStatusActive })
	sort.SliceStable(out, func(a, b int) bool { return out[a].HealthScore > out[b].HealthScore })
	return out, nil
}

func (r *IdentityRepo) filter(tenantID uuid.UUID, keep func(domain.Identity) bool) []domain.Identity {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Identity
	for _, i := range r.s.identities {
		if i.TenantID == tenantID && keep(i) {
			out = append(out, i)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Email < out[b].Email })
	return out
}

func (r *IdentityRepo) IncrementSuccess(_ context.Context, id uuid.UUID, now time.Time) (*domain.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return nil, errNotFound()
	}
	day := domain.Day(now)
	if i.CounterDay.Before(day) {
		i.DailySent = 1
		i.CounterDay = day
	} else {
		i.DailySent++
	}
	i.TotalSent++
	if i.Status != domain.IdentityStatusSuspended {
		i.ConsecutiveErrors = 0
	}
	if i.Status == domain.IdentityStatusError {
		i.Status = domain.IdentityStatusActive
	}
	i.HealthScore = domain.HealthAfterSuccess(i.HealthScore)
	i.UpdatedAt = r.s.now()
	r.s.identities[id] = i
	return &i, nil
}

func (r *IdentityRepo) IncrementFailure(_ context.Context, id uuid.UUID, errMsg string, now time.Time) (*domain.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return nil, errNotFound()
	}
	errors := i.ConsecutiveErrors + 1
	i.ConsecutiveErrors = errors
	i.TotalFailed++
	i.HealthScore = domain.HealthAfterFailure(i.HealthScore, errors)
	i.Status = domain.StatusAfterFailure(i.Status, errors)
	i.LastError = errMsg
	i.LastErrorAt = ptr(now)
	i.UpdatedAt = r.s.now()
	r.s.identities[id] = i
	return &i, nil
}

func (r *IdentityRepo) ResetDaily(_ context.Context, id uuid.UUID, day time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok || !i.CounterDay.Before(domain.Day(day)) {
		return false, nil
	}
	i.DailySent = 0
	i.CounterDay = domain.Day(day)
	r.s.identities[id] = i
	return true, nil
}

func (r *IdentityRepo) ResetAllDaily(_ context.Context, day time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, i := range r.s.identities {
		if i.CounterDay.Before(domain.Day(day)) {
			i.DailySent = 0
			i.CounterDay = domain.Day(day)
			r.s.identities[id] = i
			n++
		}
	}
	return n, nil
}

func (r *IdentityRepo) SetStatus(_ context.Context, id uuid.UUID, from []domain.IdentityStatus, to domain.IdentityStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok || !contains(from, i.Status) {
		return false, nil
	}
	i.Status = to
	i.UpdatedAt = r.s.now()
	r.s.identities[id] = i
	return true, nil
}

func (r *IdentityRepo) Reactivate(_ context.Context, id uuid.UUID, from []domain.IdentityStatus, minHealth int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok || !contains(from, i.Status) {
		return false, nil
	}
	i.Status = domain.IdentityStatusActive
	i.ConsecutiveErrors = 0
	if i.HealthScore < minHealth {
		i.HealthScore = minHealth
	}
	i.UpdatedAt = r.s.now()
	r.s.identities[id] = i
	return true, nil
}

func (r *IdentityRepo) UpdateCredential(_ context.Context, id uuid.UUID, cred domain.Credential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return errNotFound()
	}
	i.Credential = cred
	r.s.identities[id] = i
	return nil
}
