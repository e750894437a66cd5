// Package telemetry обеспечивает наблюдаемость движка.
//
// Включает:
//   - logging.go: structured logging через slog, маскирование адресов
//   - metrics.go: Prometheus метрики
//
// Все процессы используют единый формат логирования
// и экспортируют метрики на /metrics.
package telemetry
