package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind определяет тип задачи доставки и форму её payload.
type JobKind string

const (
	// JobKindFirstTouch: первое письмо, новый тред.
	JobKindFirstTouch JobKind = "first_touch"

	// JobKindFollowUp: последующее письмо в треде предыдущего.
	JobKindFollowUp JobKind = "follow_up"
)

// JobPayload: типизированные данные задачи. Реализуют только
// FirstTouchPayload и FollowUpPayload.
type JobPayload interface {
	Kind() JobKind
	StepNumber() int
	isJobPayload()
}

// FirstTouchPayload: данные первого письма.
type FirstTouchPayload struct {
	Step int `json:"step"`
}

func (FirstTouchPayload) Kind() JobKind     { return JobKindFirstTouch }
func (p FirstTouchPayload) StepNumber() int { return p.Step }
func (FirstTouchPayload) isJobPayload()     {}

// FollowUpPayload: данные письма-продолжения.
type FollowUpPayload struct {
	Step int `json:"step"`

	// ThreadMessageID: provider message id предыдущего письма (In-Reply-To).
	ThreadMessageID string `json:"thread_message_id,omitempty"`

	// ThreadSubject: тема предыдущего письма, ответ идёт как "Re: ...".
	ThreadSubject string `json:"thread_subject,omitempty"`
}

func (FollowUpPayload) Kind() JobKind     { return JobKindFollowUp }
func (p FollowUpPayload) StepNumber() int { return p.Step }
func (FollowUpPayload) isJobPayload()     {}

// MarshalPayload сериализует payload для хранения.
func MarshalPayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil job payload")
	}
	return json.Marshal(p)
}

// UnmarshalPayload восстанавливает payload по типу задачи.
func UnmarshalPayload(kind JobKind, data []byte) (JobPayload, error) {
	switch kind {
	case JobKindFirstTouch:
		var p FirstTouchPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
		}
		return p, nil
	case JobKindFollowUp:
		var p FollowUpPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

// DeliveryJob: одна попытка отправить шаг последовательности контакту.
//
// Для контакта одновременно существует не больше одной задачи
// в статусе queued или sending.
type DeliveryJob struct {
	ID         uuid.UUID `json:"id"`
	ContactID  uuid.UUID `json:"contact_id"`
	CampaignID uuid.UUID `json:"campaign_id"`

	Step    int        `json:"step"`
	Kind    JobKind    `json:"kind"`
	Payload JobPayload `json:"payload"`

	// Attempts: число захватов задачи воркером, не больше MaxAttempts.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	Status JobStatus `json:"status"`

	// RunAfter: раньше этого времени задача не выполняется (backoff).
	RunAfter time.Time `json:"run_after"`

	IdentityID        *uuid.UUID `json:"identity_id,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// NewDeliveryJob создаёт задачу в статусе queued.
func NewDeliveryJob(contact *Contact, payload JobPayload, maxAttempts int, runAfter time.Time) *DeliveryJob {
	now := time.Now().UTC()
	return &DeliveryJob{
		ID:          uuid.New(),
		ContactID:   contact.ID,
		CampaignID:  contact.CampaignID,
		Step:        payload.StepNumber(),
		Kind:        payload.Kind(),
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Status:      JobStatusQueued,
		RunAfter:    runAfter,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanRetry проверяет, остались ли попытки.
func (j *DeliveryJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// SendRecord: запись append-only истории отправок.
type SendRecord struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	ContactID  uuid.UUID `json:"contact_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	IdentityID uuid.UUID `json:"identity_id"`
	Step       int       `json:"step"`

	ProviderMessageID string `json:"provider_message_id"`
	Subject           string `json:"subject"`

	QualityScore float64 `json:"quality_score"`
	UsedFallback bool    `json:"used_fallback"`

	DeliveryStatus DeliveryStatus `json:"delivery_status"`

	SentAt    time.Time `json:"sent_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
