package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/Outbound/internal/domain"
)

// Provider: имя провайдера уведомлений в inbound_events.
const Provider = "mailgun"

var (
	// ErrIgnoredEvent: событие не влияет на состояние (opened, clicked, accepted).
	ErrIgnoredEvent = errors.New("ignored webhook event")

	// ErrMalformed: тело уведомления не разбирается.
	ErrMalformed = errors.New("malformed webhook payload")
)

// Signature: блок подписи уведомления.
type Signature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

// DeliveryPayload: тело POST /webhooks/delivery.
type DeliveryPayload struct {
	Signature Signature     `json:"signature"`
	EventData deliveryEvent `json:"event-data"`
}

type deliveryEvent struct {
	ID        string  `json:"id"`
	Event     string  `json:"event"`
	Severity  string  `json:"severity"`
	Reason    string  `json:"reason"`
	Recipient string  `json:"recipient"`
	Timestamp float64 `json:"timestamp"`
	Message   struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
	DeliveryStatus struct {
		Code        int    `json:"code"`
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"delivery-status"`
}

// DecodeDelivery разбирает JSON уведомления о доставке.
func DecodeDelivery(body []byte) (*DeliveryPayload, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// Event приводит уведомление к domain.DeliveryEvent.
// События, не влияющие на состояние, возвращают ErrIgnoredEvent.
func (p *DeliveryPayload) Event() (domain.DeliveryEvent, error) {
	ed := p.EventData

	ev := domain.DeliveryEvent{
		EventID:    ed.ID,
		MessageID:  domain.NormalizeMessageID(ed.Message.Headers.MessageID),
		Recipient:  domain.NormalizeEmail(ed.Recipient),
		OccurredAt: unixFloat(ed.Timestamp),
	}

	switch ed.Event {
	case "delivered":
		ev.Type = domain.DeliveryEventDelivered
	case "failed", "bounced":
		ev.Type = domain.DeliveryEventBounced
		ev.Severity = domain.BouncePermanent
		if ed.Severity == "temporary" {
			ev.Severity = domain.BounceTemporary
		}
		ev.Reason = bounceReason(ed)
	case "complained":
		ev.Type = domain.DeliveryEventComplained
	case "unsubscribed":
		ev.Type = domain.DeliveryEventUnsubscribed
	default:
		return ev, fmt.Errorf("%w: %q", ErrIgnoredEvent, ed.Event)
	}

	if ev.EventID == "" || ev.MessageID == "" {
		return ev, fmt.Errorf("%w: missing event id or message id", ErrMalformed)
	}
	return ev, nil
}

func bounceReason(ed deliveryEvent) string {
	parts := make([]string, 0, 3)
	if ed.DeliveryStatus.Code != 0 {
		parts = append(parts, strconv.Itoa(ed.DeliveryStatus.Code))
	}
	msg := ed.DeliveryStatus.Description
	if msg == "" {
		msg = ed.DeliveryStatus.Message
	}
	if msg != "" {
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return ed.Reason
	}
	return strings.Join(parts, " ")
}

// InboundPayload: поля формы POST /webhooks/inbound.
type InboundPayload struct {
	Signature Signature
	Reply     domain.ReplyEvent
}

// DecodeInbound разбирает форму входящего письма.
func DecodeInbound(form url.Values) (*InboundPayload, error) {
	p := &InboundPayload{
		Signature: Signature{
			Timestamp: form.Get("timestamp"),
			Token:     form.Get("token"),
			Signature: form.Get("signature"),
		},
	}

	body := form.Get("stripped-text")
	if strings.TrimSpace(body) == "" {
		body = form.Get("body-plain")
	}

	r := domain.ReplyEvent{
		MessageID:  domain.NormalizeMessageID(first(form, "Message-Id", "message-id", "Message-ID")),
		InReplyTo:  domain.NormalizeMessageID(first(form, "In-Reply-To", "in-reply-to")),
		References: splitReferences(first(form, "References", "references")),
		From:       domain.NormalizeEmail(first(form, "sender", "from", "From")),
		To:         domain.NormalizeEmail(form.Get("recipient")),
		Subject:    form.Get("subject"),
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
	if ts, err := strconv.ParseInt(p.Signature.Timestamp, 10, 64); err == nil {
		r.ReceivedAt = time.Unix(ts, 0).UTC()
	}

	if r.MessageID == "" || r.From == "" {
		return nil, fmt.Errorf("%w: missing Message-Id or sender", ErrMalformed)
	}
	p.Reply = r
	return p, nil
}

func first(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := form.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// splitReferences разбирает заголовок References: "<a@x> <b@y>".
func splitReferences(s string) []string {
	var refs []string
	for _, f := range strings.Fields(s) {
		if id := domain.NormalizeMessageID(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

func unixFloat(ts float64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
