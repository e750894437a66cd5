package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/worker"
)

// Campaign DTOs

// PauseCampaignRequest — запрос на паузу кампании. Тело необязательно.
type PauseCampaignRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

// CampaignResponse — ответ с кампанией.
type CampaignResponse struct {
	ID          uuid.UUID             `json:"id"`
	TenantID    uuid.UUID             `json:"tenant_id"`
	Name        string                `json:"name"`
	Status      domain.CampaignStatus `json:"status"`
	PauseReason string                `json:"pause_reason,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// CampaignFromDomain конвертирует domain.Campaign в CampaignResponse.
func CampaignFromDomain(c *domain.Campaign) CampaignResponse {
	return CampaignResponse{
		ID:          c.ID,
		TenantID:    c.TenantID,
		Name:        c.Name,
		Status:      c.Status,
		PauseReason: c.PauseReason,
		UpdatedAt:   c.UpdatedAt,
	}
}

// Operations DTOs

// SchedulerRunResponse — итог ручного прохода планировщика.
type SchedulerRunResponse struct {
	scheduler.PassResult
}

// QueueDrainResponse — итог прогона очереди.
type QueueDrainResponse struct {
	worker.DrainResult
}

// Identity DTOs

// ListIdentitiesQuery — параметры GET /identities.
type ListIdentitiesQuery struct {
	TenantID string `validate:"required,uuid"`
}

// IdentityResponse — ответ с аккаунтом без учётных данных.
type IdentityResponse struct {
	ID                uuid.UUID             `json:"id"`
	TenantID          uuid.UUID             `json:"tenant_id"`
	Email             string                `json:"email"`
	Provider          string                `json:"provider"`
	Status            domain.IdentityStatus `json:"status"`
	HealthScore       int                   `json:"health_score"`
	DailySent         int                   `json:"daily_sent"`
	DailyLimit        int                   `json:"daily_limit"`
	ConsecutiveErrors int                   `json:"consecutive_errors"`
	LastError         string                `json:"last_error,omitempty"`
	LastErrorAt       *time.Time            `json:"last_error_at,omitempty"`
}

// IdentityFromDomain конвертирует domain.Identity в IdentityResponse.
func IdentityFromDomain(i *domain.Identity) IdentityResponse {
	return IdentityResponse{
		ID:                i.ID,
		TenantID:          i.TenantID,
		Email:             i.Email,
		Provider:          i.Provider,
		Status:            i.Status,
		HealthScore:       i.HealthScore,
		DailySent:         i.DailySent,
		DailyLimit:        i.DailyLimit,
		ConsecutiveErrors: i.ConsecutiveErrors,
		LastError:         i.LastError,
		LastErrorAt:       i.LastErrorAt,
	}
}

// Contact DTOs

// ContactResponse — ответ с контактом.
type ContactResponse struct {
	ID                 uuid.UUID            `json:"id"`
	CampaignID         uuid.UUID            `json:"campaign_id"`
	Email              string               `json:"email"`
	Status             domain.ContactStatus `json:"status"`
	SequencePosition   int                  `json:"sequence_position"`
	NextEligibleSendAt *time.Time           `json:"next_eligible_send_at,omitempty"`
	PauseReason        string               `json:"pause_reason,omitempty"`
}

// ContactFromDomain конвертирует domain.Contact в ContactResponse.
func ContactFromDomain(c *domain.Contact) ContactResponse {
	return ContactResponse{
		ID:                 c.ID,
		CampaignID:         c.CampaignID,
		Email:              c.Email,
		Status:             c.Status,
		SequencePosition:   c.SequencePosition,
		NextEligibleSendAt: c.NextEligibleSendAt,
		PauseReason:        c.PauseReason,
	}
}

// Conversation DTOs

// ListConversationsQuery — параметры GET /conversations.
type ListConversationsQuery struct {
	CampaignID string `validate:"required,uuid"`
	Handoff    string `validate:"omitempty,oneof=true false 1 0"`
}

// Webhook DTOs

// WebhookAck — ответ на принятое уведомление.
type WebhookAck struct {
	Status string `json:"status"`
}

const (
	ackAccepted  = "accepted"
	ackDuplicate = "duplicate"
	ackIgnored   = "ignored"
)
