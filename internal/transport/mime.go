package transport

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
)

// NewMessageID генерирует Message-ID в домене отправителя (без скобок).
func NewMessageID(fromEmail string) string {
	host := "localhost"
	if i := strings.LastIndex(fromEmail, "@"); i >= 0 && i < len(fromEmail)-1 {
		host = fromEmail[i+1:]
	}
	return uuid.NewString() + "@" + host
}

// BuildMIME собирает text/plain письмо в формате RFC 5322.
// messageID пустой: заголовок Message-ID не добавляется (его ставит провайдер).
func BuildMIME(from domain.Identity, msg Message, messageID string, date time.Time) []byte {
	var b bytes.Buffer

	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	header("From", (&mail.Address{Name: from.DisplayName, Address: from.Email}).String())
	header("To", (&mail.Address{Name: msg.ToName, Address: msg.To}).String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", date.UTC().Format(time.RFC1123Z))
	if messageID != "" {
		header("Message-ID", angle(messageID))
	}
	if msg.InReplyTo != "" {
		header("In-Reply-To", angle(msg.InReplyTo))
		refs := make([]string, 0, len(msg.References)+1)
		for _, r := range msg.References {
			refs = append(refs, angle(r))
		}
		if len(refs) == 0 || refs[len(refs)-1] != angle(msg.InReplyTo) {
			refs = append(refs, angle(msg.InReplyTo))
		}
		header("References", strings.Join(refs, " "))
	}

	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header("X-Outbound-"+headerCase(k), msg.Tags[k])
	}

	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&b)
	_, _ = qp.Write([]byte(strings.ReplaceAll(msg.TextBody, "\n", "\r\n")))
	_ = qp.Close()
	b.WriteString("\r\n")

	return b.Bytes()
}

func angle(id string) string {
	return "<" + domain.NormalizeMessageID(id) + ">"
}

// headerCase: campaign_id -> Campaign-Id.
func headerCase(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}
