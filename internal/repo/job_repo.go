package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Outbound/internal/domain"
)

// JobRepo: репозиторий задач доставки.
//
// Уникальный частичный индекс delivery_jobs_in_flight_uidx не даёт
// завести вторую задачу в работе для того же контакта.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `
	id, contact_id, campaign_id, step, kind, payload, attempts, max_attempts, status,
	run_after, identity_id, provider_message_id, last_error, created_at, updated_at, sent_at`

// Create ставит задачу в очередь.
// ErrAlreadyExists: у контакта уже есть задача queued или sending.
func (r *JobRepo) Create(ctx context.Context, job *domain.DeliveryJob) error {
	payload, err := domain.MarshalPayload(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO delivery_jobs (id, contact_id, campaign_id, step, kind, payload, attempts,
		                           max_attempts, status, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		job.ID, job.ContactID, job.CampaignID, job.Step, string(job.Kind), payload,
		job.Attempts, job.MaxAttempts, string(job.Status), job.RunAfter, job.CreatedAt, job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID возвращает задачу по ID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	query := `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListReady возвращает задачи queued, время которых наступило.
func (r *JobRepo) ListReady(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM delivery_jobs
		WHERE status = 'queued' AND run_after <= $1
		ORDER BY run_after ASC
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

// ListByContact возвращает задачи контакта, новые первыми.
func (r *JobRepo) ListByContact(ctx context.Context, contactID uuid.UUID) ([]domain.DeliveryJob, error) {
	query := `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE contact_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, contactID)
}

// Claim захватывает задачу: queued → sending, attempts + 1.
// Возвращает false, если задачу уже взял другой воркер или она не готова.
func (r *JobRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.DeliveryJob, bool, error) {
	query := `
		UPDATE delivery_jobs
		SET status = 'sending', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'queued' AND run_after <= $2 AND attempts < max_attempts
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, query, id, now))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// IsSending проверяет, что задача всё ещё в sending (не отменена).
func (r *JobRepo) IsSending(ctx context.Context, id uuid.UUID) (bool, error) {
	var sending bool
	err := r.pool.QueryRow(ctx, `
		SELECT status = 'sending' FROM delivery_jobs WHERE id = $1
	`, id).Scan(&sending)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check job status: %w", err)
	}
	return sending, nil
}

// MarkSent: sending → sent.
func (r *JobRepo) MarkSent(ctx context.Context, id, identityID uuid.UUID, providerMessageID string, sentAt time.Time) (bool, error) {
	return r.exec(ctx, "mark job sent", `
		UPDATE delivery_jobs
		SET status = 'sent', identity_id = $2, provider_message_id = $3, sent_at = $4,
		    last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, identityID, providerMessageID, sentAt)
}

// MarkRetry: sending → queued с новым run_after.
func (r *JobRepo) MarkRetry(ctx context.Context, id uuid.UUID, runAfter time.Time, errMsg string) (bool, error) {
	return r.exec(ctx, "mark job retry", `
		UPDATE delivery_jobs
		SET status = 'queued', run_after = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending' AND attempts < max_attempts
	`, id, runAfter, errMsg)
}

// MarkFailed: sending → failed.
func (r *JobRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	return r.exec(ctx, "mark job failed", `
		UPDATE delivery_jobs
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, errMsg)
}

// Cancel отменяет задачу, если она ещё в работе.
// Отмена финальной задачи ничего не делает.
func (r *JobRepo) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return r.exec(ctx, "cancel job", `
		UPDATE delivery_jobs
		SET status = 'cancelled', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'sending')
	`, id, nullString(reason))
}

// CancelByContact отменяет все задачи контакта в работе.
func (r *JobRepo) CancelByContact(ctx context.Context, contactID uuid.UUID, reason string) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE delivery_jobs
		SET status = 'cancelled', last_error = $2, updated_at = NOW()
		WHERE contact_id = $1 AND status IN ('queued', 'sending')
	`, contactID, nullString(reason))
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by contact: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecoverStale возвращает зависшие в sending задачи в очередь
// или переводит в failed, если попытки исчерпаны.
func (r *JobRepo) RecoverStale(ctx context.Context, staleBefore time.Time) (requeued, failed int64, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := tx.Exec(ctx, `
		UPDATE delivery_jobs
		SET status = 'failed', last_error = 'stale: attempts exhausted', updated_at = NOW()
		WHERE status = 'sending' AND updated_at < $1 AND attempts >= max_attempts
	`, staleBefore)
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	failed = res.RowsAffected()

	res, err = tx.Exec(ctx, `
		UPDATE delivery_jobs
		SET status = 'queued', run_after = NOW(), last_error = 'stale: requeued', updated_at = NOW()
		WHERE status = 'sending' AND updated_at < $1 AND attempts < max_attempts
	`, staleBefore)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	requeued = res.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return requeued, failed, nil
}

// CountInFlight считает задачи кампании в queued и sending.
func (r *JobRepo) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_jobs
		WHERE campaign_id = $1 AND status IN ('queued', 'sending')
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight jobs: %w", err)
	}
	return n, nil
}

// CountByStatus считает задачи кампании по статусам.
func (r *JobRepo) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.JobStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM delivery_jobs WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *JobRepo) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *JobRepo) list(ctx context.Context, query string, args ...any) ([]domain.DeliveryJob, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var kind, status string
	var payload []byte
	var providerMessageID, lastError *string

	err := row.Scan(
		&j.ID,
		&j.ContactID,
		&j.CampaignID,
		&j.Step,
		&kind,
		&payload,
		&j.Attempts,
		&j.MaxAttempts,
		&status,
		&j.RunAfter,
		&j.IdentityID,
		&providerMessageID,
		&lastError,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.SentAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	j.ProviderMessageID = deref(providerMessageID)
	j.LastError = deref(lastError)

	j.Payload, err = domain.UnmarshalPayload(j.Kind, payload)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
