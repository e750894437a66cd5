package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(h.logger),
		Recovery(),
		Logging(),
	)

	// Campaigns
	mux.Handle("POST /api/v1/campaigns/{id}/start", chain(http.HandlerFunc(h.StartCampaign)))
	mux.Handle("POST /api/v1/campaigns/{id}/pause", chain(http.HandlerFunc(h.PauseCampaign)))
	mux.Handle("POST /api/v1/campaigns/{id}/resume", chain(http.HandlerFunc(h.ResumeCampaign)))
	mux.Handle("GET /api/v1/campaigns/{id}/status", chain(http.HandlerFunc(h.GetCampaignStatus)))

	// Operations
	mux.Handle("POST /api/v1/scheduler/run", chain(http.HandlerFunc(h.RunScheduler)))
	mux.Handle("POST /api/v1/queue/drain", chain(http.HandlerFunc(h.DrainQueue)))

	// Identities
	mux.Handle("GET /api/v1/identities", chain(http.HandlerFunc(h.ListIdentities)))
	mux.Handle("GET /api/v1/identities/{id}", chain(http.HandlerFunc(h.GetIdentity)))
	mux.Handle("POST /api/v1/identities/{id}/pause", chain(http.HandlerFunc(h.PauseIdentity)))
	mux.Handle("POST /api/v1/identities/{id}/resume", chain(http.HandlerFunc(h.ResumeIdentity)))

	// Contacts & conversations
	mux.Handle("POST /api/v1/contacts/{id}/resume", chain(http.HandlerFunc(h.ResumeContact)))
	mux.Handle("GET /api/v1/conversations", chain(http.HandlerFunc(h.ListConversations)))

	// Webhooks
	mux.Handle("POST /webhooks/delivery", chain(http.HandlerFunc(h.DeliveryWebhook)))
	mux.Handle("POST /webhooks/inbound", chain(http.HandlerFunc(h.InboundWebhook)))
}
