package content

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// FallbackQuality: оценка качества шаблонного письма.
const FallbackQuality = 0.2

const (
	defaultSubject = `{{ company | default: "a quick idea" }}`
	defaultBody    = `Hi {{ first_name | default: "there" }},

I'm reaching out because {{ pitch | default: "we help teams like yours" }}.

Would a short call next week make sense?`
	defaultFollowUp = `Hi {{ first_name | default: "there" }},

Just bumping this up in case it got buried. Happy to share more details if useful.`
)

// Fallback рендерит письмо из liquid-шаблонов кампании.
//
// Разобранные шаблоны кэшируются по тексту.
type Fallback struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewFallback создаёт рендерер с фильтром default.
func NewFallback() *Fallback {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value any, def string) any {
		if value == nil {
			return def
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return def
		}
		return value
	})
	return &Fallback{engine: engine}
}

// Render собирает письмо для шага.
func (f *Fallback) Render(req Request) (Content, error) {
	seq := req.Campaign.Sequence
	bindings := Bindings(req)

	subjectTpl := seq.FallbackSubject
	if subjectTpl == "" {
		subjectTpl = defaultSubject
	}
	bodyTpl := seq.FallbackBody
	if bodyTpl == "" {
		bodyTpl = defaultBody
		if req.Step > 1 {
			bodyTpl = defaultFollowUp
		}
	}

	subject, err := f.render(subjectTpl, bindings)
	if err != nil {
		return Content{}, fmt.Errorf("render fallback subject: %w", err)
	}
	body, err := f.render(bodyTpl, bindings)
	if err != nil {
		return Content{}, fmt.Errorf("render fallback body: %w", err)
	}

	if req.ThreadSubject != "" {
		subject = replySubject(req.ThreadSubject)
	}
	return Content{
		Subject:      strings.TrimSpace(subject),
		Body:         strings.TrimSpace(body),
		QualityScore: FallbackQuality,
		Fallback:     true,
	}, nil
}

// Validate проверяет синтаксис шаблона.
func (f *Fallback) Validate(tpl string) error {
	if _, err := f.engine.ParseString(tpl); err != nil {
		return err
	}
	return nil
}

func (f *Fallback) render(src string, bindings map[string]any) (string, error) {
	var tpl *liquid.Template
	if cached, ok := f.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := f.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		f.cache.Store(src, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Bindings: переменные шаблона для контакта и кампании.
// Атрибуты контакта не перекрывают стандартные поля.
func Bindings(req Request) map[string]any {
	c := req.Contact
	b := make(map[string]any, len(c.Attributes)+8)
	for k, v := range c.Attributes {
		b[k] = v
	}
	b["first_name"] = c.FirstName
	b["last_name"] = c.LastName
	b["full_name"] = c.FullName()
	b["company"] = c.Company
	b["title"] = c.Title
	b["email"] = c.Email
	b["step"] = req.Step
	b["campaign"] = req.Campaign.Name
	b["pitch"] = req.Campaign.Sequence.Pitch
	return b
}
