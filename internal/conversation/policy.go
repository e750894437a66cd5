// Package conversation применяет политику ответа на входящие письма:
// классифицирует намерение, двигает этап переписки и останавливает
// последовательность контакта.
package conversation

import (
	"time"

	"github.com/shaiso/Outbound/internal/domain"
)

// Задержки ответа.
const (
	ObjectionDelay = 15 * time.Minute
	DeclineDelay   = 4 * time.Hour
)

// ContactEffect: что происходит с контактом после ответа.
type ContactEffect string

const (
	EffectNone        ContactEffect = "none"
	EffectPause       ContactEffect = "pause"
	EffectResponded   ContactEffect = "responded"
	EffectUnsubscribe ContactEffect = "unsubscribe"
)

// Decision: результат политики для одного ответа.
type Decision struct {
	Stage       domain.ConversationStage
	Contact     ContactEffect
	PauseReason string

	Action domain.ResponseAction
	// Delay: через сколько можно отвечать (0 — сразу).
	Delay time.Duration

	Handoff bool
	Close   bool
}

// Decide: чистая таблица решений по намерению и текущему этапу.
func Decide(intent domain.Intent, stage domain.ConversationStage) Decision {
	switch intent {
	case domain.IntentInterested:
		next := domain.StageInterested
		if stage == domain.StageInterested || stage == domain.StageQualified {
			next = domain.StageQualified
		}
		return Decision{
			Stage:       next,
			Contact:     EffectResponded,
			PauseReason: domain.PauseReasonReplyInterested,
			Action:      domain.ResponseHandoff,
			Handoff:     true,
		}

	case domain.IntentQuestion:
		return Decision{
			Stage:       domain.StageEngaged,
			Contact:     EffectPause,
			PauseReason: domain.PauseReasonReplyQuestion,
			Action:      domain.ResponseRespond,
		}

	case domain.IntentObjection:
		return Decision{
			Stage:       domain.StageObjectionHandling,
			Contact:     EffectPause,
			PauseReason: domain.PauseReasonReplyObjection,
			Action:      domain.ResponseRespond,
			Delay:       ObjectionDelay,
		}

	case domain.IntentNotInterested:
		return Decision{
			Stage:       domain.StageClosed,
			Contact:     EffectResponded,
			PauseReason: domain.PauseReasonReplyDeclined,
			Action:      domain.ResponseRespond,
			Delay:       DeclineDelay,
			Close:       true,
		}

	case domain.IntentUnsubscribe:
		return Decision{
			Stage:       domain.StageClosed,
			Contact:     EffectUnsubscribe,
			PauseReason: domain.PauseReasonReplyUnsubscribe,
			Action:      domain.ResponseRespond,
			Close:       true,
		}

	case domain.IntentAutoReply:
		// Автоответ ничего не меняет.
		return Decision{Stage: stage, Contact: EffectNone, Action: domain.ResponseNone}

	default:
		return Decision{
			Stage:       domain.StageEngaged,
			Contact:     EffectPause,
			PauseReason: domain.PauseReasonReplyOther,
			Action:      domain.ResponseRespond,
		}
	}
}

// Status возвращает статус переписки после решения.
func (d Decision) Status(current domain.ConversationStatus) domain.ConversationStatus {
	switch {
	case d.Close:
		return domain.ConversationStatusClosed
	case d.Handoff:
		return domain.ConversationStatusHandedOff
	case current == "":
		return domain.ConversationStatusOpen
	default:
		return current
	}
}

// StopsSequence: решение останавливает рассылку контакту.
func (d Decision) StopsSequence() bool {
	return d.Contact != EffectNone
}
