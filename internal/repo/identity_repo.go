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

// IdentityRepo: репозиторий отправляющих аккаунтов.
//
// Счётчики меняются атомарными UPDATE ... SET x = x + 1,
// health и статус вычисляются в том же выражении.
type IdentityRepo struct {
	pool *pgxpool.Pool
}

// NewIdentityRepo создаёт новый IdentityRepo.
func NewIdentityRepo(pool *pgxpool.Pool) *IdentityRepo {
	return &IdentityRepo{pool: pool}
}

const identityColumns = `
	id, tenant_id, email, display_name, provider, status, health_score, daily_sent,
	daily_limit, counter_day, consecutive_errors, last_error, last_error_at,
	total_sent, total_failed, credential, created_at, updated_at`

// Create регистрирует аккаунт.
func (r *IdentityRepo) Create(ctx context.Context, i *domain.Identity) error {
	cred, err := json.Marshal(i.Credential)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO identities (id, tenant_id, email, display_name, provider, status, health_score,
		                        daily_sent, daily_limit, counter_day, credential, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		i.ID, i.TenantID, i.Email, nullString(i.DisplayName), i.Provider, string(i.Status),
		i.HealthScore, i.DailySent, i.DailyLimit, domain.Day(i.CounterDay), cred,
		i.CreatedAt, i.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetByID возвращает аккаунт по ID.
func (r *IdentityRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return scanIdentity(r.pool.QueryRow(ctx, query, id))
}

// ListByTenant возвращает все аккаунты арендатора.
func (r *IdentityRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE tenant_id = $1 ORDER BY email ASC`
	return r.list(ctx, query, tenantID)
}

// ListSelectable возвращает активные аккаунты арендатора.
func (r *IdentityRepo) ListSelectable(ctx context.Context, tenantID uuid.UUID) ([]domain.Identity, error) {
	query := `SELECT ` + identityColumns + `
		FROM identities
		WHERE tenant_id = $1 AND status = 'active'
		ORDER BY health_score DESC`
	return r.list(ctx, query, tenantID)
}

// IncrementSuccess фиксирует успешную отправку и возвращает обновлённый аккаунт.
// Счётчик за прошедший день начинается заново. Серия ошибок suspended
// аккаунта сохраняется: снять suspended может только resume.
func (r *IdentityRepo) IncrementSuccess(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Identity, error) {
	query := `
		UPDATE identities
		SET daily_sent = CASE WHEN counter_day < $2 THEN 1 ELSE daily_sent + 1 END,
		    counter_day = GREATEST(counter_day, $2),
		    total_sent = total_sent + 1,
		    consecutive_errors = CASE WHEN status = 'suspended' THEN consecutive_errors ELSE 0 END,
		    status = CASE WHEN status = 'error' THEN 'active' ELSE status END,
		    health_score = LEAST(100, health_score + 2),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + identityColumns
	return scanIdentity(r.pool.QueryRow(ctx, query, id, domain.Day(now)))
}

// IncrementFailure фиксирует ошибку отправки.
//
// health -= min(20, errors*5); статус error с 3 ошибок подряд, suspended с 5.
// Статусы paused и disconnected не меняются.
func (r *IdentityRepo) IncrementFailure(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (*domain.Identity, error) {
	query := `
		UPDATE identities
		SET consecutive_errors = consecutive_errors + 1,
		    total_failed = total_failed + 1,
		    health_score = GREATEST(0, health_score - LEAST(20, (consecutive_errors + 1) * 5)),
		    status = CASE
		        WHEN status NOT IN ('active', 'error') THEN status
		        WHEN consecutive_errors + 1 >= 5 THEN 'suspended'
		        WHEN consecutive_errors + 1 >= 3 THEN 'error'
		        ELSE status
		    END,
		    last_error = $2,
		    last_error_at = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + identityColumns
	return scanIdentity(r.pool.QueryRow(ctx, query, id, errMsg, now))
}

// ResetDaily сбрасывает дневной счётчик. Повторный сброс за тот же день ничего не делает.
func (r *IdentityRepo) ResetDaily(ctx context.Context, id uuid.UUID, day time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities
		SET daily_sent = 0, counter_day = $2, updated_at = NOW()
		WHERE id = $1 AND counter_day < $2
	`, id, domain.Day(day))
	if err != nil {
		return false, fmt.Errorf("reset daily: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ResetAllDaily сбрасывает дневные счётчики всех аккаунтов.
func (r *IdentityRepo) ResetAllDaily(ctx context.Context, day time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities
		SET daily_sent = 0, counter_day = $1, updated_at = NOW()
		WHERE counter_day < $1
	`, domain.Day(day))
	if err != nil {
		return 0, fmt.Errorf("reset all daily: %w", err)
	}
	return result.RowsAffected(), nil
}

// SetStatus переводит аккаунт в to, если текущий статус входит в from.
func (r *IdentityRepo) SetStatus(ctx context.Context, id uuid.UUID, from []domain.IdentityStatus, to domain.IdentityStatus) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, identityStatuses(from), string(to))
	if err != nil {
		return false, fmt.Errorf("set identity status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Reactivate возвращает аккаунт в active после прошедшего health probe.
// Серия ошибок обнуляется, health поднимается минимум до minHealth.
func (r *IdentityRepo) Reactivate(ctx context.Context, id uuid.UUID, from []domain.IdentityStatus, minHealth int) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities
		SET status = 'active',
		    consecutive_errors = 0,
		    health_score = GREATEST(health_score, $3),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, identityStatuses(from), minHealth)
	if err != nil {
		return false, fmt.Errorf("reactivate identity: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// UpdateCredential сохраняет обновлённые токены.
func (r *IdentityRepo) UpdateCredential(ctx context.Context, id uuid.UUID, cred domain.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE identities SET credential = $2, updated_at = NOW() WHERE id = $1
	`, id, data)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *IdentityRepo) list(ctx context.Context, query string, args ...any) ([]domain.Identity, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []domain.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, *i)
	}
	return identities, rows.Err()
}

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var i domain.Identity
	var displayName, lastError *string
	var status string
	var cred []byte

	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.Email,
		&displayName,
		&i.Provider,
		&status,
		&i.HealthScore,
		&i.DailySent,
		&i.DailyLimit,
		&i.CounterDay,
		&i.ConsecutiveErrors,
		&lastError,
		&i.LastErrorAt,
		&i.TotalSent,
		&i.TotalFailed,
		&cred,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}

	i.Status = domain.IdentityStatus(status)
	i.DisplayName = deref(displayName)
	i.LastError = deref(lastError)
	if len(cred) > 0 {
		if err := json.Unmarshal(cred, &i.Credential); err != nil {
			return nil, fmt.Errorf("unmarshal credential: %w", err)
		}
	}
	return &i, nil
}

func identityStatuses(statuses []domain.IdentityStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
