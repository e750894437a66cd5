package api

import (
	"net/http"

	"github.com/google/uuid"
)

// ListIdentities возвращает аккаунты tenant со статистикой.
// GET /api/v1/identities?tenant_id=...
func (h *Handler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	q := ListIdentitiesQuery{TenantID: r.URL.Query().Get("tenant_id")}
	if err := h.validate.Struct(q); err != nil {
		BadRequest(w, "tenant_id must be a uuid")
		return
	}

	usage, err := h.control.ListIdentities(r.Context(), uuid.MustParse(q.TenantID))
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, usage)
}

// GetIdentity возвращает аккаунт.
// GET /api/v1/identities/{id}
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid identity id")
	if !ok {
		return
	}

	ident, err := h.control.GetIdentity(r.Context(), id)
	if HandleError(w, h.logger, err, "identity not found") {
		return
	}
	Success(w, IdentityFromDomain(ident))
}

// PauseIdentity ставит аккаунт на паузу.
// POST /api/v1/identities/{id}/pause
func (h *Handler) PauseIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid identity id")
	if !ok {
		return
	}

	ident, err := h.control.PauseIdentity(r.Context(), id)
	if HandleError(w, h.logger, err, "identity not found") {
		return
	}
	Success(w, IdentityFromDomain(ident))
}

// ResumeIdentity возвращает аккаунт в работу после health probe.
// POST /api/v1/identities/{id}/resume
func (h *Handler) ResumeIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid identity id")
	if !ok {
		return
	}

	ident, err := h.control.ResumeIdentity(r.Context(), id)
	if HandleError(w, h.logger, err, "identity not found") {
		return
	}
	Success(w, IdentityFromDomain(ident))
}

// ResumeContact возобновляет рассылку контакту.
// POST /api/v1/contacts/{id}/resume
func (h *Handler) ResumeContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid contact id")
	if !ok {
		return
	}

	c, err := h.control.ResumeContact(r.Context(), id)
	if HandleError(w, h.logger, err, "contact not found") {
		return
	}
	Success(w, ContactFromDomain(c))
}

// ListConversations возвращает диалоги кампании.
// GET /api/v1/conversations?campaign_id=...&handoff=true
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := ListConversationsQuery{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Handoff:    r.URL.Query().Get("handoff"),
	}
	if err := h.validate.Struct(q); err != nil {
		BadRequest(w, "campaign_id must be a uuid, handoff must be a boolean")
		return
	}

	handoffOnly := q.Handoff == "true" || q.Handoff == "1"
	convs, err := h.control.ListConversations(r.Context(), uuid.MustParse(q.CampaignID), handoffOnly)
	if HandleError(w, h.logger, err, "campaign not found") {
		return
	}
	List(w, convs)
}
