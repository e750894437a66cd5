package domain

import (
	"time"

	"github.com/google/uuid"
)

// Intent: классификация входящего ответа.
type Intent string

const (
	IntentInterested    Intent = "interested"
	IntentNotInterested Intent = "not_interested"
	IntentQuestion      Intent = "question"
	IntentObjection     Intent = "objection"
	IntentUnsubscribe   Intent = "unsubscribe"
	IntentAutoReply     Intent = "auto_reply"
	IntentOther         Intent = "other"
)

// ParseIntent приводит метку классификатора к Intent.
// Неизвестные метки становятся IntentOther.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentInterested, IntentNotInterested, IntentQuestion, IntentObjection,
		IntentUnsubscribe, IntentAutoReply, IntentOther:
		return Intent(s)
	default:
		return IntentOther
	}
}

// ConversationStage: этап переписки.
type ConversationStage string

const (
	StageCold              ConversationStage = "cold"
	StageEngaged           ConversationStage = "engaged"
	StageInterested        ConversationStage = "interested"
	StageQualified         ConversationStage = "qualified"
	StageObjectionHandling ConversationStage = "objection_handling"
	StageClosing           ConversationStage = "closing"
	StageConverted         ConversationStage = "converted"
	StageClosed            ConversationStage = "closed"
)

// ConversationStatus: статус переписки.
type ConversationStatus string

const (
	ConversationStatusOpen      ConversationStatus = "open"
	ConversationStatusHandedOff ConversationStatus = "handed_off"
	ConversationStatusClosed    ConversationStatus = "closed"
)

// ResponseAction: что делать с ответом.
type ResponseAction string

const (
	ResponseNone    ResponseAction = "none"
	ResponseRespond ResponseAction = "respond"
	ResponseHandoff ResponseAction = "handoff"
)

// Conversation: состояние переписки для пары (кампания, контакт).
// Создаётся на первом входящем ответе.
type Conversation struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	ContactID  uuid.UUID `json:"contact_id"`

	Status ConversationStatus `json:"status"`
	Stage  ConversationStage  `json:"stage"`

	TotalResponses  int    `json:"total_responses"`
	RequiresHandoff bool   `json:"requires_handoff"`
	SequencePaused  bool   `json:"sequence_paused"`
	PauseReason     string `json:"pause_reason,omitempty"`

	LastIntent  Intent     `json:"last_intent,omitempty"`
	LastReplyAt *time.Time `json:"last_reply_at,omitempty"`

	// RespondAfter: когда можно отвечать (буфер вежливости, задержка на возражение).
	RespondAfter   *time.Time     `json:"respond_after,omitempty"`
	ResponseAction ResponseAction `json:"response_action"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation создаёт переписку на этапе cold.
func NewConversation(campaignID, contactID uuid.UUID) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:             uuid.New(),
		CampaignID:     campaignID,
		ContactID:      contactID,
		Status:         ConversationStatusOpen,
		Stage:          StageCold,
		ResponseAction: ResponseNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ConversationUpdate: изменения переписки после очередного ответа.
// TotalResponses увеличивается на единицу атомарно.
type ConversationUpdate struct {
	Status          ConversationStatus
	Stage           ConversationStage
	RequiresHandoff bool
	SequencePaused  bool
	PauseReason     string
	LastIntent      Intent
	ReplyAt         time.Time
	RespondAfter    *time.Time
	ResponseAction  ResponseAction
}
