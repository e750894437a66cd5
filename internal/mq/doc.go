// Package mq: RabbitMQ транспорт для пробуждения воркеров и reconciler'а.
//
// Сообщения несут только идентификаторы (job_id, event_id). Источник истины
// БД, поэтому потеря сообщения лишь откладывает обработку до polling'а.
//
// Типы сообщений:
//   - job.ready      задача доставки готова (jobs.ready, отложенно через jobs.delay)
//   - event.inbound  сохранено событие провайдера (events.inbound)
package mq
