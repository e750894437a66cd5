package domain

// ContactStatus описывает положение контакта в последовательности кампании.
//
// Жизненный цикл:
//
//	active → paused, responded, converted, bounced, unsubscribed, completed
//	paused → active (ручное возобновление или авто-возобновление после soft bounce)
//	paused → responded, converted, bounced, unsubscribed
//
// Все остальные статусы финальные.
type ContactStatus string

const (
	// ContactStatusActive: контакт участвует в рассылке, Scheduler может его выбрать.
	ContactStatusActive ContactStatus = "active"

	// ContactStatusPaused: рассылка приостановлена, возможно возобновление.
	ContactStatusPaused ContactStatus = "paused"

	// ContactStatusResponded: контакт ответил, дальше работает человек.
	ContactStatusResponded ContactStatus = "responded"

	// ContactStatusConverted: контакт сконвертирован.
	ContactStatusConverted ContactStatus = "converted"

	// ContactStatusBounced: адрес не существует (hard bounce).
	ContactStatusBounced ContactStatus = "bounced"

	// ContactStatusUnsubscribed: отписка или жалоба.
	ContactStatusUnsubscribed ContactStatus = "unsubscribed"

	// ContactStatusCompleted: все шаги последовательности отправлены.
	ContactStatusCompleted ContactStatus = "completed"
)

// IsTerminal возвращает true, если из статуса нет переходов.
func (s ContactStatus) IsTerminal() bool {
	switch s {
	case ContactStatusActive, ContactStatusPaused:
		return false
	default:
		return true
	}
}

// IsValid проверяет, что статус известен.
func (s ContactStatus) IsValid() bool {
	switch s {
	case ContactStatusActive, ContactStatusPaused, ContactStatusResponded, ContactStatusConverted,
		ContactStatusBounced, ContactStatusUnsubscribed, ContactStatusCompleted:
		return true
	default:
		return false
	}
}

// contactTransitions перечисляет разрешённые переходы.
var contactTransitions = map[ContactStatus][]ContactStatus{
	ContactStatusActive: {
		ContactStatusPaused,
		ContactStatusResponded,
		ContactStatusConverted,
		ContactStatusBounced,
		ContactStatusUnsubscribed,
		ContactStatusCompleted,
	},
	ContactStatusPaused: {
		ContactStatusActive,
		ContactStatusResponded,
		ContactStatusConverted,
		ContactStatusBounced,
		ContactStatusUnsubscribed,
	},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to ContactStatus) bool {
	for _, s := range contactTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor возвращает статусы, из которых можно перейти в to.
// Используется как guard в условных UPDATE.
func SourcesFor(to ContactStatus) []ContactStatus {
	var from []ContactStatus
	for _, s := range []ContactStatus{ContactStatusActive, ContactStatusPaused} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// CampaignStatus описывает состояние кампании.
//
//	draft → active ⇄ paused
//	active → completed
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// IdentityStatus описывает состояние отправляющего аккаунта.
//
// Статус выводится из числа ошибок подряд:
//
//	active → error (3 ошибки подряд) → suspended (5 ошибок подряд)
//
// paused и suspended снимаются только вручную после health probe.
type IdentityStatus string

const (
	IdentityStatusActive       IdentityStatus = "active"
	IdentityStatusPaused       IdentityStatus = "paused"
	IdentityStatusError        IdentityStatus = "error"
	IdentityStatusSuspended    IdentityStatus = "suspended"
	IdentityStatusDisconnected IdentityStatus = "disconnected"
)

// IsSelectable возвращает true, если аккаунт можно использовать для отправки.
func (s IdentityStatus) IsSelectable() bool {
	return s == IdentityStatusActive
}

// JobStatus описывает состояние задачи доставки.
//
//	queued → sending → sent
//	                 ↘ queued (retry)
//	                 ↘ failed
//	queued, sending → cancelled
type JobStatus string

const (
	// JobStatusQueued: задача ждёт воркера.
	JobStatusQueued JobStatus = "queued"

	// JobStatusSending: задача захвачена воркером.
	JobStatusSending JobStatus = "sending"

	// JobStatusSent: письмо принято транспортом.
	JobStatusSent JobStatus = "sent"

	// JobStatusFailed: попытки исчерпаны или ошибка фатальная.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled: задача отменена.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSent, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsInFlight возвращает true для queued и sending.
func (s JobStatus) IsInFlight() bool {
	return s == JobStatusQueued || s == JobStatusSending
}

// DeliveryStatus: статус доставки в истории отправок.
type DeliveryStatus string

const (
	DeliveryStatusSent       DeliveryStatus = "sent"
	DeliveryStatusDeferred   DeliveryStatus = "deferred" // временный отказ, провайдер повторяет
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusBounced    DeliveryStatus = "bounced"
	DeliveryStatusComplained DeliveryStatus = "complained"
)

// Причины паузы контакта и кампании.
const (
	PauseReasonManual           = "manual"
	PauseReasonSoftBounce       = "soft_bounce"
	PauseReasonReplyQuestion    = "reply_question"
	PauseReasonReplyObjection   = "reply_objection"
	PauseReasonReplyOther       = "reply_other"
	PauseReasonBounceRate       = "bounce_rate_exceeded"
	PauseReasonComplaintRate    = "complaint_rate_exceeded"
	PauseReasonReplyInterested  = "reply_interested"
	PauseReasonReplyDeclined    = "reply_not_interested"
	PauseReasonReplyUnsubscribe = "reply_unsubscribe"
)
