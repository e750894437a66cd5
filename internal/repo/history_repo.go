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

// HistoryRepo: append-only история отправок.
// Меняется только delivery_status по событиям провайдера.
type HistoryRepo struct {
	pool *pgxpool.Pool
}

// NewHistoryRepo создаёт новый HistoryRepo.
func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

const historyColumns = `
	id, job_id, contact_id, campaign_id, identity_id, step, provider_message_id, subject,
	quality_score, used_fallback, delivery_status, sent_at, updated_at`

// Append добавляет запись. Повтор той же отправки (тот же provider_message_id) игнорируется.
func (r *HistoryRepo) Append(ctx context.Context, rec *domain.SendRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO send_history (id, job_id, contact_id, campaign_id, identity_id, step,
		                          provider_message_id, subject, quality_score, used_fallback,
		                          delivery_status, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider_message_id) DO NOTHING
	`,
		rec.ID, rec.JobID, rec.ContactID, rec.CampaignID, rec.IdentityID, rec.Step,
		domain.NormalizeMessageID(rec.ProviderMessageID), rec.Subject, rec.QualityScore,
		rec.UsedFallback, string(rec.DeliveryStatus), rec.SentAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert send record: %w", err)
	}
	return nil
}

// FindByMessageID ищет запись по provider message id.
func (r *HistoryRepo) FindByMessageID(ctx context.Context, messageID string) (*domain.SendRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM send_history WHERE provider_message_id = $1`
	return scanSendRecord(r.pool.QueryRow(ctx, query, domain.NormalizeMessageID(messageID)))
}

// LastForContact возвращает последнюю отправку контакту.
func (r *HistoryRepo) LastForContact(ctx context.Context, contactID uuid.UUID) (*domain.SendRecord, error) {
	query := `SELECT ` + historyColumns + `
		FROM send_history WHERE contact_id = $1 ORDER BY sent_at DESC LIMIT 1`
	return scanSendRecord(r.pool.QueryRow(ctx, query, contactID))
}

// UpdateDeliveryStatus меняет статус доставки, если текущий входит в from.
func (r *HistoryRepo) UpdateDeliveryStatus(ctx context.Context, messageID string, from []domain.DeliveryStatus, to domain.DeliveryStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE send_history SET delivery_status = $3, updated_at = NOW()
		WHERE provider_message_id = $1 AND delivery_status = ANY($2)
	`, domain.NormalizeMessageID(messageID), fromStr, string(to))
	if err != nil {
		return false, fmt.Errorf("update delivery status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// WindowStats считает отправки кампании начиная с since и их исходы.
func (r *HistoryRepo) WindowStats(ctx context.Context, campaignID uuid.UUID, since time.Time) (domain.WindowStats, error) {
	var s domain.WindowStats
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE delivery_status = 'bounced'),
		       COUNT(*) FILTER (WHERE delivery_status = 'complained')
		FROM send_history
		WHERE campaign_id = $1 AND sent_at >= $2
	`, campaignID, since).Scan(&s.Sent, &s.Bounced, &s.Complained)
	if err != nil {
		return s, fmt.Errorf("window stats: %w", err)
	}
	return s, nil
}

// Totals считает все отправки кампании по статусам доставки.
func (r *HistoryRepo) Totals(ctx context.Context, campaignID uuid.UUID) (map[domain.DeliveryStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT delivery_status, COUNT(*) FROM send_history WHERE campaign_id = $1 GROUP BY delivery_status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("history totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan history total: %w", err)
		}
		totals[domain.DeliveryStatus(status)] = n
	}
	return totals, rows.Err()
}

func scanSendRecord(row pgx.Row) (*domain.SendRecord, error) {
	var rec domain.SendRecord
	var status string

	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.ContactID,
		&rec.CampaignID,
		&rec.IdentityID,
		&rec.Step,
		&rec.ProviderMessageID,
		&rec.Subject,
		&rec.QualityScore,
		&rec.UsedFallback,
		&status,
		&rec.SentAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan send record: %w", err)
	}
	rec.DeliveryStatus = domain.DeliveryStatus(status)
	return &rec, nil
}
