// Package worker выполняет задачи доставки.
//
// # Обзор
//
// Worker: stateless компонент, который забирает задачи доставки,
// созданные Scheduler'ом, генерирует текст письма, выбирает аккаунт
// и отправляет письмо через транспорт. Worker отвечает за:
//
//   - Получение задач из очереди jobs.ready (event-driven)
//   - Периодическую проверку готовых задач в БД (polling fallback)
//   - Условный захват задачи (queued → sending), попытка учитывается при захвате
//   - Retry с exponential backoff через run_after и очередь jobs.delay
//   - Запись истории отправок и продвижение контакта по последовательности
//
// Workers масштабируются горизонтально: захват задачи атомарен,
// поэтому одну задачу выполняет ровно один воркер.
//
// # Обработка задачи
//
//  1. Claim: queued → sending, attempts+1
//  2. Контакт не active или шаг уже отправлен → cancelled
//  3. Кампания не active или нет свободного аккаунта → deferred
//     (задача отменяется, контакт снова due)
//  4. Генерация контента (с fallback на шаблон)
//  5. Отправка через транспорт
//  6. Успех → sent, history, следующий слот контакта (или completed)
//  7. Ошибка получателя → failed, контакт bounced
//  8. Прочие ошибки → queued с backoff, после MaxAttempts → failed
//
//	w := worker.New(worker.Config{
//	    Jobs:      store.Jobs,
//	    Contacts:  store.Contacts,
//	    Campaigns: store.Campaigns,
//	    History:   store.History,
//	    Pool:      pool,
//	    Sequence:  machine,
//	    Content:   generator,
//	    Sender:    registry,
//	    Publisher: publisher,
//	    Conn:      mqConn,
//	})
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
package worker
