// Package cli реализует инструмент командной строки outbound.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты движка.
//
// Команды по ресурсам:
//   - campaign: start, pause, resume, status
//   - scheduler: run
//   - queue: drain
//   - identity: list, show, pause, resume
//   - contact: resume
//   - conversation: list
//
// Каждая группа создаётся фабричной функцией (NewCampaignCmd и т.д.),
// принимающей clientFn и outputFn: Client и Output создаются лениво,
// после разбора PersistentFlags. Данные выводятся в stdout (таблица
// или JSON с --json), сообщения в stderr.
package cli
