package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Outbound/internal/domain"
)

// ContactRepo: репозиторий контактов.
//
// Все переходы статуса выполняются условным UPDATE с guard на текущий статус.
// false без ошибки означает, что переход уже сделал кто-то другой.
type ContactRepo struct {
	pool *pgxpool.Pool
}

// NewContactRepo создаёт новый ContactRepo.
func NewContactRepo(pool *pgxpool.Pool) *ContactRepo {
	return &ContactRepo{pool: pool}
}

const contactColumns = `
	id, campaign_id, email, first_name, last_name, company, title, attributes,
	sequence_position, status, next_eligible_send_at, last_sent_at, pause_reason,
	paused_at, soft_bounce_count, created_at, updated_at`

// Create добавляет контакт в кампанию.
func (r *ContactRepo) Create(ctx context.Context, c *domain.Contact) error {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO contacts (id, campaign_id, email, first_name, last_name, company, title,
		                      attributes, sequence_position, status, next_eligible_send_at,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		c.ID,
		c.CampaignID,
		c.Email,
		nullString(c.FirstName),
		nullString(c.LastName),
		nullString(c.Company),
		nullString(c.Title),
		attrs,
		c.SequencePosition,
		c.Status,
		c.NextEligibleSendAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// GetByID возвращает контакт по ID.
func (r *ContactRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	return scanContact(r.pool.QueryRow(ctx, query, id))
}

// ListDue возвращает активные контакты кампании, у которых наступило время отправки.
// Сначала самые давно ожидающие.
func (r *ContactRepo) ListDue(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.Contact, error) {
	query := `SELECT ` + contactColumns + `
		FROM contacts
		WHERE campaign_id = $1
		  AND status = 'active'
		  AND next_eligible_send_at IS NOT NULL
		  AND next_eligible_send_at <= $2
		ORDER BY next_eligible_send_at ASC
		LIMIT $3`
	return r.list(ctx, query, campaignID, now, limit)
}

// FindRecentByEmail ищет самый свежий контакт активной кампании,
// которому отправляли письмо не раньше since.
func (r *ContactRepo) FindRecentByEmail(ctx context.Context, email string, since time.Time) (*domain.Contact, error) {
	query := `SELECT ` + prefixed("c", contactColumns) + `
		FROM contacts c
		JOIN campaigns cp ON cp.id = c.campaign_id
		WHERE c.email = $1
		  AND cp.status = 'active'
		  AND c.last_sent_at IS NOT NULL
		  AND c.last_sent_at >= $2
		ORDER BY c.last_sent_at DESC
		LIMIT 1`
	return scanContact(r.pool.QueryRow(ctx, query, domain.NormalizeEmail(email), since))
}

// ListSoftBounced возвращает контакты на паузе из-за soft bounce,
// поставленные на паузу не позже before.
func (r *ContactRepo) ListSoftBounced(ctx context.Context, before time.Time, limit int) ([]domain.Contact, error) {
	query := `SELECT ` + contactColumns + `
		FROM contacts
		WHERE status = 'paused'
		  AND pause_reason = 'soft_bounce'
		  AND paused_at <= $1
		ORDER BY paused_at ASC
		LIMIT $2`
	return r.list(ctx, query, before, limit)
}

// Transition переводит контакт в to, если текущий статус входит в from.
func (r *ContactRepo) Transition(ctx context.Context, id uuid.UUID, from []domain.ContactStatus, to domain.ContactStatus, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET status = $3,
		    pause_reason = $4,
		    paused_at = CASE WHEN $3 = 'paused' THEN NOW() ELSE paused_at END,
		    next_eligible_send_at = CASE WHEN $3 = 'active' THEN next_eligible_send_at ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, contactStatuses(from), string(to), nullString(reason))
	if err != nil {
		return false, fmt.Errorf("transition contact: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Resume возвращает контакт из паузы и назначает время следующей отправки.
func (r *ContactRepo) Resume(ctx context.Context, id uuid.UUID, nextEligible time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET status = 'active',
		    pause_reason = NULL,
		    paused_at = NULL,
		    next_eligible_send_at = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'paused'
	`, id, nextEligible)
	if err != nil {
		return false, fmt.Errorf("resume contact: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecordSoftBounce ставит контакт на паузу soft_bounce и возвращает счётчик soft bounce.
// Контакт, поставленный на паузу по другой причине, не трогается.
// Вызывается один раз на письмо: повторы отсекает история (sent → deferred).
func (r *ContactRepo) RecordSoftBounce(ctx context.Context, id uuid.UUID) (int, bool, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE contacts
		SET status = 'paused',
		    pause_reason = 'soft_bounce',
		    paused_at = NOW(),
		    next_eligible_send_at = NULL,
		    soft_bounce_count = soft_bounce_count + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND (status = 'active' OR (status = 'paused' AND pause_reason = 'soft_bounce'))
		RETURNING soft_bounce_count
	`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("record soft bounce: %w", err)
	}
	return count, true, nil
}

// ResetSoftBounces обнуляет счётчик после успешной доставки.
func (r *ContactRepo) ResetSoftBounces(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE contacts SET soft_bounce_count = 0, updated_at = NOW()
		WHERE id = $1 AND soft_bounce_count > 0
	`, id)
	if err != nil {
		return fmt.Errorf("reset soft bounces: %w", err)
	}
	return nil
}

// ScheduleNext записывает время следующей отправки, пока контакт активен.
func (r *ContactRepo) ScheduleNext(ctx context.Context, id uuid.UUID, next time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET next_eligible_send_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, next)
	if err != nil {
		return false, fmt.Errorf("schedule next: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecordSent фиксирует отправку шага step.
//
// Позиция только растёт: повторная запись того же шага ничего не меняет.
// Время следующей отправки пишется только для активного контакта.
func (r *ContactRepo) RecordSent(ctx context.Context, id uuid.UUID, step int, sentAt time.Time, next *time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET sequence_position = $2,
		    last_sent_at = $3,
		    next_eligible_send_at = CASE WHEN status = 'active' THEN $4 ELSE next_eligible_send_at END,
		    updated_at = NOW()
		WHERE id = $1 AND sequence_position < $2
	`, id, step, sentAt, next)
	if err != nil {
		return false, fmt.Errorf("record sent: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ArmCampaign назначает время первой отправки активным контактам без расписания.
func (r *ContactRepo) ArmCampaign(ctx context.Context, campaignID uuid.UUID, at time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET next_eligible_send_at = $2, updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'active' AND next_eligible_send_at IS NULL
	`, campaignID, at)
	if err != nil {
		return 0, fmt.Errorf("arm campaign: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus считает контакты кампании по статусам.
func (r *ContactRepo) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.ContactStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM contacts WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ContactStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan contact count: %w", err)
		}
		counts[domain.ContactStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *ContactRepo) list(ctx context.Context, query string, args ...any) ([]domain.Contact, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// scanContact работает и с pgx.Row, и с pgx.Rows.
func scanContact(row pgx.Row) (*domain.Contact, error) {
	var c domain.Contact
	var firstName, lastName, company, title, pauseReason *string
	var status string
	var attrs []byte

	err := row.Scan(
		&c.ID,
		&c.CampaignID,
		&c.Email,
		&firstName,
		&lastName,
		&company,
		&title,
		&attrs,
		&c.SequencePosition,
		&status,
		&c.NextEligibleSendAt,
		&c.LastSentAt,
		&pauseReason,
		&c.PausedAt,
		&c.SoftBounceCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}

	c.Status = domain.ContactStatus(status)
	c.FirstName = deref(firstName)
	c.LastName = deref(lastName)
	c.Company = deref(company)
	c.Title = deref(title)
	c.PauseReason = deref(pauseReason)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return &c, nil
}

func contactStatuses(statuses []domain.ContactStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
