package memrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
)

// JobRepo: задачи доставки в памяти.
type JobRepo struct{ s *Store }

func (r *JobRepo) Create(_ context.Context, job *domain.DeliveryJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.ID == job.ID || (j.ContactID == job.ContactID && j.Status.IsInFlight()) {
			return repo.ErrAlreadyExists
		}
	}
	r.s.jobs[job.ID] = *job
	return nil
}

func (r *JobRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, errNotFound()
	}
	return &j, nil
}

func (r *JobRepo) ListReady(_ context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.DeliveryJob
	for _, j := range r.s.jobs {
		if j.Status == domain.JobStatusQueued && !j.RunAfter.After(now) {
			out = append(out, j)
		}
	}
	sortByTime(out, func(j domain.DeliveryJob) time.Time { return j.RunAfter }, false)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) ListByContact(_ context.Context, contactID uuid.UUID) ([]domain.DeliveryJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.DeliveryJob
	for _, j := range r.s.jobs {
		if j.ContactID == contactID {
			out = append(out, j)
		}
	}
	sortByTime(out, func(j domain.DeliveryJob) time.Time { return j.CreatedAt }, true)
	return out, nil
}

func (r *JobRepo) Claim(_ context.Context, id uuid.UUID, now time.Time) (*domain.DeliveryJob, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != domain.JobStatusQueued || j.RunAfter.After(now) || j.Attempts >= j.MaxAttempts {
		return nil, false, nil
	}
	j.Status = domain.JobStatusSending
	j.Attempts++
	j.UpdatedAt = r.s.now()
	r.s.jobs[id] = j
	return &j, true, nil
}

func (r *JobRepo) IsSending(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	return ok && j.Status == domain.JobStatusSending, nil
}

func (r *JobRepo) MarkSent(_ context.Context, id, identityID uuid.UUID, providerMessageID string, sentAt time.Time) (bool, error) {
	return r.update(id, []domain.JobStatus{domain.JobStatusSending}, func(j *domain.DeliveryJob) {
		j.Status = domain.JobStatusSent
		j.IdentityID = ptr(identityID)
		j.ProviderMessageID = providerMessageID
		j.SentAt = ptr(sentAt)
		j.LastError = ""
	})
}

func (r *JobRepo) MarkRetry(_ context.Context, id uuid.UUID, runAfter time.Time, errMsg string) (bool, error) {
	r.s.mu.Lock()
	j, ok := r.s.jobs[id]
	r.s.mu.Unlock()
	if !ok || j.Attempts >= j.MaxAttempts {
		return false, nil
	}
	return r.update(id, []domain.JobStatus{domain.JobStatusSending}, func(j *domain.DeliveryJob) {
		j.Status = domain.JobStatusQueued
		j.RunAfter = runAfter
		j.LastError = errMsg
	})
}

func (r *JobRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	return r.update(id, []domain.JobStatus{domain.JobStatusSending}, func(j *domain.DeliveryJob) {
		j.Status = domain.JobStatusFailed
		j.LastError = errMsg
	})
}

func (r *JobRepo) Cancel(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	return r.update(id, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusSending}, func(j *domain.DeliveryJob) {
		j.Status = domain.JobStatusCancelled
		j.LastError = reason
	})
}

func (r *JobRepo) CancelByContact(_ context.Context, contactID uuid.UUID, reason string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, j := range r.s.jobs {
		if j.ContactID == contactID && j.Status.IsInFlight() {
			j.Status = domain.JobStatusCancelled
			j.LastError = reason
			j.UpdatedAt = r.s.now()
			r.s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) RecoverStale(_ context.Context, staleBefore time.Time) (requeued, failed int64, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	for id, j := range r.s.jobs {
		if j.Status != domain.JobStatusSending || !j.UpdatedAt.Before(staleBefore) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = domain.JobStatusFailed
			j.LastError = "stale: attempts exhausted"
			failed++
		} else {
			j.Status = domain.JobStatusQueued
			j.RunAfter = now
			j.LastError = "stale: requeued"
			requeued++
		}
		j.UpdatedAt = now
		r.s.jobs[id] = j
	}
	return requeued, failed, nil
}

func (r *JobRepo) CountInFlight(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, j := range r.s.jobs {
		if j.CampaignID == campaignID && j.Status.IsInFlight() {
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) CountByStatus(_ context.Context, campaignID uuid.UUID) (map[domain.JobStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[domain.JobStatus]int)
	for _, j := range r.s.jobs {
		if j.CampaignID == campaignID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// SetUpdatedAt сдвигает updated_at задачи (для тестов восстановления).
func (r *JobRepo) SetUpdatedAt(id uuid.UUID, at time.Time) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if j, ok := r.s.jobs[id]; ok {
		j.UpdatedAt = at
		r.s.jobs[id] = j
	}
}

// Seed кладёт задачу без проверки уникального индекса.
// Нужен для сценариев с несколькими задачами контакта в очереди.
func (r *JobRepo) Seed(job domain.DeliveryJob) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.jobs[job.ID] = job
}

func (r *JobRepo) update(id uuid.UUID, from []domain.JobStatus, apply func(*domain.DeliveryJob)) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || !contains(from, j.Status) {
		return false, nil
	}
	apply(&j)
	j.UpdatedAt = r.s.now()
	r.s.jobs[id] = j
	return true, nil
}
