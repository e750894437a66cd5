package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Outbound/internal/control"
	"github.com/shaiso/Outbound/internal/identity"
	"github.com/shaiso/Outbound/internal/repo"
)

// ErrorCode — машиночитаемый код ошибки в ответе.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeProbeFailed   ErrorCode = "PROBE_FAILED"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse: {"error": {"code": ..., "message": ...}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — код и текст ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse: {"data": ...}. Для списков добавляется total.
type DataResponse struct {
	Data  any  `json:"data"`
	Total *int `json:"total,omitempty"`
}

// JSON пишет status и тело.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Success: 200 с объектом.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// List: 200 со списком и его длиной.
func List[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	total := len(items)
	JSON(w, http.StatusOK, DataResponse{Data: items, Total: &total})
}

// Error пишет конверт ошибки.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// BadRequest: 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// errorMapping: ошибка сервиса → HTTP статус. Проверяется по порядку.
var errorMapping = []struct {
	target error
	status int
	code   ErrorCode
}{
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{repo.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
	{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{identity.ErrNotResumable, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{identity.ErrProbeFailed, http.StatusConflict, ErrCodeProbeFailed},
	{control.ErrUnavailable, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// HandleError пишет ответ для err и возвращает true; для nil ничего не делает.
// notFoundMsg заменяет текст ошибки для 404, если не пустой.
// Неизвестные ошибки логируются и отдаются как 500 без подробностей.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	for _, m := range errorMapping {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := err.Error()
		if m.code == ErrCodeNotFound && notFoundMsg != "" {
			msg = notFoundMsg
		}
		Error(w, m.status, m.code, msg)
		return true
	}

	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	return true
}
