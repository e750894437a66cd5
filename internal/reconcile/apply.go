package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/telemetry"
)

// Effect: что изменило применённое событие.
type Effect string

const (
	EffectDelivered    Effect = "delivered"
	EffectBounced      Effect = "bounced"
	EffectSoftBounced  Effect = "soft_bounced"
	EffectUnsubscribed Effect = "unsubscribed"
	EffectReply        Effect = "reply"
	EffectUnmatched    Effect = "unmatched"
	EffectNoop         Effect = "noop"
	EffectIgnored      Effect = "ignored"
	EffectMalformed    Effect = "malformed"
)

// ApplyDelivery применяет событие доставки.
// Повторное применение того же события ничего не меняет.
func (r *Reconciler) ApplyDelivery(ctx context.Context, ev domain.DeliveryEvent) (Effect, error) {
	rec, err := r.findRecord(ctx, ev.MessageID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		r.logger.Warn("delivery event for unknown message", "message_id", ev.MessageID, "type", ev.Type)
		return EffectUnmatched, nil
	}

	logger := telemetry.WithContactID(r.logger, rec.ContactID)
	msgID := rec.ProviderMessageID

	switch ev.Type {
	case domain.DeliveryEventDelivered:
		ok, err := r.history.UpdateDeliveryStatus(ctx, msgID,
			[]domain.DeliveryStatus{domain.DeliveryStatusSent, domain.DeliveryStatusDeferred},
			domain.DeliveryStatusDelivered)
		if err != nil {
			return "", fmt.Errorf("update delivery status: %w", err)
		}
		if !ok {
			return EffectNoop, nil
		}
		if err := r.contacts.ResetSoftBounces(ctx, rec.ContactID); err != nil {
			return "", fmt.Errorf("reset soft bounces: %w", err)
		}
		return EffectDelivered, nil

	case domain.DeliveryEventBounced:
		if !ev.IsHardBounce() {
			return r.applySoftBounce(ctx, rec, ev)
		}
		if _, err := r.history.UpdateDeliveryStatus(ctx, msgID,
			undelivered,
			domain.DeliveryStatusBounced); err != nil {
			return "", fmt.Errorf("update delivery status: %w", err)
		}
		ok, err := r.sequence.MarkBounced(ctx, rec.ContactID, bounceReason(ev))
		if err != nil {
			return "", err
		}
		if !ok {
			return EffectNoop, nil
		}
		logger.Warn("hard bounce", "reason", ev.Reason)
		return EffectBounced, nil

	case domain.DeliveryEventComplained, domain.DeliveryEventUnsubscribed:
		if ev.Type == domain.DeliveryEventComplained {
			if _, err := r.history.UpdateDeliveryStatus(ctx, msgID,
				undelivered,
				domain.DeliveryStatusComplained); err != nil {
				return "", fmt.Errorf("update delivery status: %w", err)
			}
		}
		ok, err := r.sequence.MarkUnsubscribed(ctx, rec.ContactID, string(ev.Type))
		if err != nil {
			return "", err
		}
		if !ok {
			return EffectNoop, nil
		}
		return EffectUnsubscribed, nil
	}

	return EffectIgnored, nil
}

// undelivered: статусы, из которых письмо ещё может стать bounced/complained.
var undelivered = []domain.DeliveryStatus{
	domain.DeliveryStatusSent,
	domain.DeliveryStatusDeferred,
	domain.DeliveryStatusDelivered,
}

// applySoftBounce считает soft bounce один раз на письмо: провайдер шлёт
// временный отказ на каждую свою попытку, повторы для того же письма
// контакт не трогают.
func (r *Reconciler) applySoftBounce(ctx context.Context, rec *domain.SendRecord, ev domain.DeliveryEvent) (Effect, error) {
	first, err := r.history.UpdateDeliveryStatus(ctx, rec.ProviderMessageID,
		[]domain.DeliveryStatus{domain.DeliveryStatusSent}, domain.DeliveryStatusDeferred)
	if err != nil {
		return "", fmt.Errorf("update delivery status: %w", err)
	}
	if !first {
		return EffectNoop, nil
	}

	status, ok, err := r.sequence.SoftBounce(ctx, rec.ContactID)
	if err != nil {
		return "", err
	}
	if !ok {
		return EffectNoop, nil
	}
	if status == domain.ContactStatusBounced {
		if _, err := r.history.UpdateDeliveryStatus(ctx, rec.ProviderMessageID,
			undelivered,
			domain.DeliveryStatusBounced); err != nil {
			return "", fmt.Errorf("update delivery status: %w", err)
		}
		return EffectBounced, nil
	}
	telemetry.WithContactID(r.logger, rec.ContactID).Info("soft bounce, contact paused", "reason", ev.Reason)
	return EffectSoftBounced, nil
}

func bounceReason(ev domain.DeliveryEvent) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return "hard bounce"
}

// ApplyReply сопоставляет ответ с контактом и передаёт его политике.
func (r *Reconciler) ApplyReply(ctx context.Context, reply domain.ReplyEvent) (Effect, error) {
	contact, err := r.matchReply(ctx, reply)
	if err != nil {
		return "", err
	}
	if contact == nil {
		r.logger.Warn("reply did not match any contact",
			"from", telemetry.RedactEmail(reply.From),
			"message_id", reply.MessageID,
		)
		return EffectUnmatched, nil
	}

	if _, err := r.replies.HandleReply(ctx, contact, reply); err != nil {
		return "", fmt.Errorf("handle reply: %w", err)
	}
	return EffectReply, nil
}

// matchReply: сначала по In-Reply-To/References, затем по адресу
// отправителя среди контактов активных кампаний за окно ReplyWindow.
func (r *Reconciler) matchReply(ctx context.Context, reply domain.ReplyEvent) (*domain.Contact, error) {
	for _, id := range reply.ThreadIDs() {
		rec, err := r.findRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		contact, err := r.contacts.GetByID(ctx, rec.ContactID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("get contact: %w", err)
		}
		return contact, nil
	}

	if reply.From == "" {
		return nil, nil
	}
	since := r.now().UTC().Add(-r.replyWindow)
	contact, err := r.contacts.FindRecentByEmail(ctx, reply.From, since)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find contact by email: %w", err)
	}
	return contact, nil
}

// findRecord ищет запись истории по message id: точное совпадение,
// затем локальная часть до '@' (SES хранит id без домена).
func (r *Reconciler) findRecord(ctx context.Context, messageID string) (*domain.SendRecord, error) {
	messageID = domain.NormalizeMessageID(messageID)
	if messageID == "" {
		return nil, nil
	}

	candidates := []string{messageID}
	if i := strings.LastIndex(messageID, "@"); i > 0 {
		candidates = append(candidates, messageID[:i])
	}

	for _, id := range candidates {
		rec, err := r.history.FindByMessageID(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("find send record: %w", err)
		}
	}
	return nil, nil
}
