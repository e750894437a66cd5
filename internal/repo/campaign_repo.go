package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Outbound/internal/domain"
)

// CampaignRepo: репозиторий кампаний.
type CampaignRepo struct {
	pool *pgxpool.Pool
}

// NewCampaignRepo создаёт новый CampaignRepo.
func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

const campaignColumns = `id, tenant_id, name, status, pause_reason, sequence, created_at, updated_at`

// Create создаёт кампанию.
func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	seq, err := json.Marshal(c.Sequence)
	if err != nil {
		return fmt.Errorf("marshal sequence: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, status, pause_reason, sequence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.TenantID, c.Name, c.Status, nullString(c.PauseReason), seq, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetByID возвращает кампанию по ID.
func (r *CampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(r.pool.QueryRow(ctx, query, id))
}

// ListByStatus возвращает кампании в статусе status.
func (r *CampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// SetStatus переводит кампанию в to, если текущий статус входит в from.
func (r *CampaignRepo) SetStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, reason string) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $3, pause_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, fromStr, string(to), nullString(reason))
	if err != nil {
		return false, fmt.Errorf("set campaign status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	var status string
	var pauseReason *string
	var seq []byte

	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &status, &pauseReason, &seq, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}

	c.Status = domain.CampaignStatus(status)
	c.PauseReason = deref(pauseReason)
	if err := json.Unmarshal(seq, &c.Sequence); err != nil {
		return nil, fmt.Errorf("unmarshal sequence: %w", err)
	}
	return &c, nil
}
