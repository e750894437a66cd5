package worker

import (
	"time"

	"github.com/shaiso/Outbound/internal/content"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/transport"
)

// OutcomeKind: исход обработки задачи доставки.
type OutcomeKind string

const (
	// OutcomeSent: письмо принято провайдером.
	OutcomeSent OutcomeKind = "sent"

	// OutcomeRetry: временная ошибка, задача вернётся в очередь или упадёт,
	// если попытки исчерпаны.
	OutcomeRetry OutcomeKind = "retry"

	// OutcomeFatal: повтор не поможет. Bounce: получатель отвергнут.
	OutcomeFatal OutcomeKind = "fatal"

	// OutcomeDeferred: нет свободного аккаунта или кампания на паузе.
	// Задача отменяется, контакт ждёт следующего прохода планировщика.
	OutcomeDeferred OutcomeKind = "deferred"

	// OutcomeCancelled: контакт вышел из active или задачу отменили.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome: результат выполнения задачи до записи в БД.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error

	// Bounce для OutcomeFatal: контакт переводится в bounced.
	Bounce bool

	// Identity: выбранный аккаунт (Sent, Retry после отправки, Fatal после отправки).
	Identity *domain.Identity

	// Sent.
	Result  transport.Result
	Content content.Content
	SentAt  time.Time
}

func sent(identity *domain.Identity, res transport.Result, c content.Content, at time.Time) Outcome {
	return Outcome{Kind: OutcomeSent, Identity: identity, Result: res, Content: c, SentAt: at}
}

func retry(err error, identity *domain.Identity) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err, Reason: err.Error(), Identity: identity}
}

func fatal(err error, bounce bool, identity *domain.Identity) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err, Reason: err.Error(), Bounce: bounce, Identity: identity}
}

func deferred(reason string) Outcome {
	return Outcome{Kind: OutcomeDeferred, Reason: reason}
}

func cancelled(reason string) Outcome {
	return Outcome{Kind: OutcomeCancelled, Reason: reason}
}

// Backoff: base × 2^attempt, не больше max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
