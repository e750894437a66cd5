package content

import (
	"strings"

	"github.com/shaiso/Outbound/internal/domain"
)

var autoReplyMarkers = []string{
	"out of office",
	"out-of-office",
	"automatic reply",
	"auto-reply",
	"autoreply",
	"i am currently away",
	"i'm currently away",
	"on vacation until",
	"away from the office",
}

var unsubscribeMarkers = []string{
	"unsubscribe",
	"remove me from",
	"stop emailing",
	"take me off",
	"do not contact",
	"don't contact",
}

// Heuristic распознаёт автоответы и отписки без обращения к модели.
// ok=false: нужна полноценная классификация.
func Heuristic(subject, body string) (domain.Intent, bool) {
	s := strings.ToLower(subject)
	b := strings.ToLower(body)

	for _, m := range autoReplyMarkers {
		if strings.Contains(s, m) || strings.Contains(b, m) {
			return domain.IntentAutoReply, true
		}
	}
	for _, m := range unsubscribeMarkers {
		if strings.Contains(b, m) {
			return domain.IntentUnsubscribe, true
		}
	}
	return "", false
}
