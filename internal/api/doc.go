// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (фасад управления, ключ webhook'ов, метрики)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (request id, logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - campaign_handler.go — обработчики для /campaigns, /scheduler, /queue
//   - identity_handler.go — обработчики для /identities, /contacts, /conversations
//   - webhook_handler.go  — уведомления провайдера /webhooks/delivery и /webhooks/inbound
//
// Управляющие endpoints находятся под /api/v1. Webhook'и проверяют
// HMAC подпись до любого изменения состояния.
package api
