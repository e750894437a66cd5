package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/shaiso/Outbound/internal/webhook"
)

const (
	maxDeliveryBody = 1 << 20
	maxInboundBody  = 25 << 20
)

// DeliveryWebhook принимает уведомление о доставке.
// POST /webhooks/delivery
//
// Подпись проверяется до записи события. Неподписанные или просроченные
// уведомления получают 401 и ничего не меняют.
func (h *Handler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeliveryBody))
	if err != nil {
		h.reject(w, "body_too_large", http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	payload, err := webhook.DecodeDelivery(body)
	if err != nil {
		h.reject(w, "malformed", http.StatusBadRequest, "invalid payload")
		return
	}

	sig := payload.Signature
	if !webhook.Verify(h.signingKey, sig.Timestamp, sig.Token, sig.Signature, h.now()) {
		h.reject(w, "signature", http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := payload.Event()
	if errors.Is(err, webhook.ErrIgnoredEvent) {
		JSON(w, http.StatusOK, WebhookAck{Status: ackIgnored})
		return
	}
	if err != nil {
		h.reject(w, "malformed", http.StatusBadRequest, err.Error())
		return
	}

	inserted, err := h.control.IngestDelivery(r.Context(), webhook.Provider, ev)
	if HandleError(w, h.logger, err, "") {
		return
	}
	h.ack(w, inserted)
}

// InboundWebhook принимает входящее письмо (ответ контакта).
// POST /webhooks/inbound
func (h *Handler) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxInboundBody)
	if err := r.ParseMultipartForm(maxInboundBody); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			h.reject(w, "malformed", http.StatusBadRequest, "invalid form")
			return
		}
		if err := r.ParseForm(); err != nil {
			h.reject(w, "malformed", http.StatusBadRequest, "invalid form")
			return
		}
	}

	form := r.PostForm
	if !webhook.Verify(h.signingKey, form.Get("timestamp"), form.Get("token"), form.Get("signature"), h.now()) {
		h.reject(w, "signature", http.StatusUnauthorized, "invalid signature")
		return
	}

	payload, err := webhook.DecodeInbound(form)
	if err != nil {
		h.reject(w, "malformed", http.StatusBadRequest, err.Error())
		return
	}

	inserted, err := h.control.IngestReply(r.Context(), webhook.Provider, payload.Reply)
	if HandleError(w, h.logger, err, "") {
		return
	}
	h.ack(w, inserted)
}

func (h *Handler) reject(w http.ResponseWriter, reason string, status int, msg string) {
	h.metrics.WebhookRejection(reason)
	h.logger.Warn("webhook rejected", "reason", reason, "status", status)

	code := ErrCodeBadRequest
	if status == http.StatusUnauthorized {
		code = ErrCodeUnauthorized
	}
	Error(w, status, code, msg)
}

func (h *Handler) ack(w http.ResponseWriter, inserted bool) {
	status := ackAccepted
	if !inserted {
		status = ackDuplicate
	}
	JSON(w, http.StatusOK, WebhookAck{Status: status})
}
