// Package scheduler реализует планировщик отправок.
//
// Проход (Tick) идёт по кампаниям со статусом active:
//
//  1. circuit breaker: bounce/complaint rate за 24 часа выше порога ставит кампанию на паузу
//  2. бюджет: min(часовой остаток, дневной остаток, квота аккаунтов)
//  3. контакты с next_eligible_send_at ≤ now, самые старые первыми
//  4. по одной задаче доставки на контакт, next_eligible_send_at по NextSendTime
//
// Структура:
//   - scheduler.go — Scheduler (Tick, processCampaign, processContact)
//   - nextsend.go  — чистая функция NextSendTime
//   - cron.go      — Runner периодических задач на robfig/cron
//
// Проход можно запускать параллельно с воркерами и вебхуками:
// все изменения идут условными UPDATE. Runner берёт распределённую
// блокировку, чтобы два планировщика не делали одну работу дважды.
package scheduler
