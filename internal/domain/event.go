package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InboundEventKind: тип входящего уведомления от провайдера.
type InboundEventKind string

const (
	InboundEventDelivery InboundEventKind = "delivery"
	InboundEventReply    InboundEventKind = "reply"
)

// DeliveryEventType: тип события доставки.
type DeliveryEventType string

const (
	DeliveryEventDelivered    DeliveryEventType = "delivered"
	DeliveryEventBounced      DeliveryEventType = "bounced"
	DeliveryEventComplained   DeliveryEventType = "complained"
	DeliveryEventUnsubscribed DeliveryEventType = "unsubscribed"
)

// BounceSeverity: тяжесть bounce.
type BounceSeverity string

const (
	BouncePermanent BounceSeverity = "permanent"
	BounceTemporary BounceSeverity = "temporary"
)

// DeliveryEvent: нормализованное событие доставки.
type DeliveryEvent struct {
	EventID    string            `json:"event_id"`
	MessageID  string            `json:"message_id"`
	Recipient  string            `json:"recipient"`
	Type       DeliveryEventType `json:"type"`
	Severity   BounceSeverity    `json:"severity,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// IsHardBounce возвращает true для постоянного bounce.
func (e DeliveryEvent) IsHardBounce() bool {
	return e.Type == DeliveryEventBounced && e.Severity != BounceTemporary
}

// ReplyEvent: нормализованный входящий ответ.
type ReplyEvent struct {
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// ThreadIDs возвращает ссылки на предыдущие письма, начиная с In-Reply-To.
func (e ReplyEvent) ThreadIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		id = NormalizeMessageID(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(e.InReplyTo)
	for i := len(e.References) - 1; i >= 0; i-- {
		add(e.References[i])
	}
	return ids
}

// NormalizeMessageID убирает угловые скобки и пробелы.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// InboundEvent: запись о полученном уведомлении для идемпотентной обработки.
type InboundEvent struct {
	ID              uuid.UUID        `json:"id"`
	Provider        string           `json:"provider"`
	ProviderEventID string           `json:"provider_event_id"`
	Kind            InboundEventKind `json:"kind"`
	Payload         json.RawMessage  `json:"payload"`
	ReceivedAt      time.Time        `json:"received_at"`
	ClaimedAt       *time.Time       `json:"claimed_at,omitempty"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	Attempts        int              `json:"attempts"`
	LastError       string           `json:"last_error,omitempty"`
}

// NewDeliveryInboundEvent упаковывает событие доставки.
func NewDeliveryInboundEvent(provider string, ev DeliveryEvent) (*InboundEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &InboundEvent{
		ID:              uuid.New(),
		Provider:        provider,
		ProviderEventID: ev.EventID,
		Kind:            InboundEventDelivery,
		Payload:         data,
		ReceivedAt:      time.Now().UTC(),
	}, nil
}

// NewReplyInboundEvent упаковывает входящий ответ.
// Ключом идемпотентности служит Message-Id ответа.
func NewReplyInboundEvent(provider string, ev ReplyEvent) (*InboundEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &InboundEvent{
		ID:              uuid.New(),
		Provider:        provider,
		ProviderEventID: NormalizeMessageID(ev.MessageID),
		Kind:            InboundEventReply,
		Payload:         data,
		ReceivedAt:      time.Now().UTC(),
	}, nil
}
