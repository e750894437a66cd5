package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Outbound/internal/domain"
)

// ConversationRepo: репозиторий переписок.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

// NewConversationRepo создаёт новый ConversationRepo.
func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

const conversationColumns = `
	id, campaign_id, contact_id, status, stage, total_responses, requires_handoff,
	sequence_paused, pause_reason, last_intent, last_reply_at, respond_after,
	response_action, created_at, updated_at`

// GetOrCreate возвращает переписку пары (кампания, контакт), создавая её при первом ответе.
func (r *ConversationRepo) GetOrCreate(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, campaign_id, contact_id, status, stage, response_action,
		                           created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
	`, conv.ID, conv.CampaignID, conv.ContactID, string(conv.Status), string(conv.Stage),
		string(conv.ResponseAction), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return r.GetByContact(ctx, conv.CampaignID, conv.ContactID)
}

// GetByContact возвращает переписку пары (кампания, контакт).
func (r *ConversationRepo) GetByContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE campaign_id = $1 AND contact_id = $2`
	return scanConversation(r.pool.QueryRow(ctx, query, campaignID, contactID))
}

// ApplyReply записывает решение по очередному ответу.
// total_responses увеличивается атомарно.
func (r *ConversationRepo) ApplyReply(ctx context.Context, id uuid.UUID, u domain.ConversationUpdate) (*domain.Conversation, error) {
	query := `
		UPDATE conversations
		SET status = $2,
		    stage = $3,
		    total_responses = total_responses + 1,
		    requires_handoff = requires_handoff OR $4,
		    sequence_paused = sequence_paused OR $5,
		    pause_reason = COALESCE($6, pause_reason),
		    last_intent = $7,
		    last_reply_at = $8,
		    respond_after = $9,
		    response_action = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns
	return scanConversation(r.pool.QueryRow(ctx, query,
		id,
		string(u.Status),
		string(u.Stage),
		u.RequiresHandoff,
		u.SequencePaused,
		nullString(u.PauseReason),
		string(u.LastIntent),
		u.ReplyAt,
		u.RespondAfter,
		string(u.ResponseAction),
	))
}

// ListByCampaign возвращает переписки кампании; handoffOnly оставляет только требующие человека.
func (r *ConversationRepo) ListByCampaign(ctx context.Context, campaignID uuid.UUID, handoffOnly bool) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE campaign_id = $1 AND (NOT $2 OR requires_handoff)
		ORDER BY updated_at DESC`
	rows, err := r.pool.Query(ctx, query, campaignID, handoffOnly)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// CountByCampaign возвращает число переписок и передач человеку.
func (r *ConversationRepo) CountByCampaign(ctx context.Context, campaignID uuid.UUID) (replies, handoffs int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE requires_handoff)
		FROM conversations WHERE campaign_id = $1
	`, campaignID).Scan(&replies, &handoffs)
	if err != nil {
		return 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	return replies, handoffs, nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	var status, stage, action string
	var pauseReason, lastIntent *string

	err := row.Scan(
		&c.ID,
		&c.CampaignID,
		&c.ContactID,
		&status,
		&stage,
		&c.TotalResponses,
		&c.RequiresHandoff,
		&c.SequencePaused,
		&pauseReason,
		&lastIntent,
		&c.LastReplyAt,
		&c.RespondAfter,
		&action,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.Status = domain.ConversationStatus(status)
	c.Stage = domain.ConversationStage(stage)
	c.ResponseAction = domain.ResponseAction(action)
	c.PauseReason = deref(pauseReason)
	c.LastIntent = domain.Intent(deref(lastIntent))
	return &c, nil
}
