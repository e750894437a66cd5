package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// StartCampaign запускает кампанию.
// POST /api/v1/campaigns/{id}/start
func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid campaign id")
	if !ok {
		return
	}

	c, err := h.control.StartCampaign(r.Context(), id)
	if HandleError(w, h.logger, err, "campaign not found") {
		return
	}
	Success(w, CampaignFromDomain(c))
}

// PauseCampaign ставит кампанию на паузу.
// POST /api/v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid campaign id")
	if !ok {
		return
	}

	var req PauseCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		BadRequest(w, err.Error())
		return
	}

	c, err := h.control.PauseCampaign(r.Context(), id, req.Reason)
	if HandleError(w, h.logger, err, "campaign not found") {
		return
	}
	Success(w, CampaignFromDomain(c))
}

// ResumeCampaign снимает кампанию с паузы.
// POST /api/v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid campaign id")
	if !ok {
		return
	}

	c, err := h.control.ResumeCampaign(r.Context(), id)
	if HandleError(w, h.logger, err, "campaign not found") {
		return
	}
	Success(w, CampaignFromDomain(c))
}

// GetCampaignStatus возвращает аналитику кампании.
// GET /api/v1/campaigns/{id}/status
func (h *Handler) GetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "invalid campaign id")
	if !ok {
		return
	}

	stats, err := h.control.CampaignStatus(r.Context(), id)
	if HandleError(w, h.logger, err, "campaign not found") {
		return
	}
	Success(w, stats)
}

// RunScheduler выполняет проход планировщика.
// POST /api/v1/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.RunScheduler(r.Context())
	if HandleError(w, h.logger, err, "") {
		return
	}
	Success(w, SchedulerRunResponse{PassResult: res})
}

// DrainQueue обрабатывает готовые задачи.
// POST /api/v1/queue/drain
func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.DrainQueue(r.Context())
	if HandleError(w, h.logger, err, "") {
		return
	}
	Success(w, QueueDrainResponse{DrainResult: res})
}

// pathUUID разбирает {id} из пути, при ошибке отвечает 400.
func pathUUID(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, msg)
		return uuid.Nil, false
	}
	return id, true
}
