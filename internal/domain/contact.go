package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact хранит позицию проспекта в одной кампании.
//
// Контакт создаётся при добавлении в кампанию и никогда не удаляется.
// Меняют его Scheduler (позиция и время следующей отправки),
// Event Reconciliation (финальные переходы) и Response Policy (пауза).
type Contact struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`

	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Title     string `json:"title,omitempty"`

	// Attributes: произвольные поля для персонализации.
	Attributes map[string]any `json:"attributes,omitempty"`

	// SequencePosition: число уже отправленных шагов (начинается с 0).
	SequencePosition int `json:"sequence_position"`

	Status ContactStatus `json:"status"`

	// NextEligibleSendAt: раньше этого времени контакт не выбирается.
	NextEligibleSendAt *time.Time `json:"next_eligible_send_at,omitempty"`

	LastSentAt *time.Time `json:"last_sent_at,omitempty"`

	PauseReason string     `json:"pause_reason,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`

	// SoftBounceCount: сколько раз подряд был soft bounce.
	SoftBounceCount int `json:"soft_bounce_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewContact создаёт активный контакт, готовый к первой отправке.
func NewContact(campaignID uuid.UUID, email string) *Contact {
	now := time.Now().UTC()
	return &Contact{
		ID:                 uuid.New(),
		CampaignID:         campaignID,
		Email:              NormalizeEmail(email),
		Status:             ContactStatusActive,
		NextEligibleSendAt: &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// NextStep возвращает номер следующего шага (с 1).
func (c *Contact) NextStep() int {
	return c.SequencePosition + 1
}

// IsDue проверяет, пора ли планировать следующий шаг.
func (c *Contact) IsDue(now time.Time) bool {
	if c.Status != ContactStatusActive || c.NextEligibleSendAt == nil {
		return false
	}
	return !c.NextEligibleSendAt.After(now)
}

// FullName склеивает имя и фамилию.
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// NormalizeEmail приводит адрес к виду, по которому идёт сопоставление.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if i := strings.LastIndex(email, "<"); i >= 0 {
		if j := strings.LastIndex(email, ">"); j > i {
			email = email[i+1 : j]
		}
	}
	return strings.ToLower(email)
}
