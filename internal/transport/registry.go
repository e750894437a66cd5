package transport

import (
	"context"
	"fmt"

	"github.com/shaiso/Outbound/internal/domain"
)

// Registry выбирает отправителя по провайдеру аккаунта.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register добавляет отправителя для провайдера.
func (r *Registry) Register(provider string, s Sender) {
	r.senders[provider] = s
}

// Providers возвращает зарегистрированные провайдеры.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.senders))
	for p := range r.senders {
		out = append(out, p)
	}
	return out
}

// Send реализует Sender.
func (r *Registry) Send(ctx context.Context, from domain.Identity, msg Message) (Result, error) {
	s, ok := r.senders[from.Provider]
	if !ok {
		return Result{}, authError(from.Provider, 0, fmt.Errorf("no sender for provider %q", from.Provider))
	}
	return s.Send(ctx, from, msg)
}

// Probe реализует Prober. Отправитель без Probe считается исправным.
func (r *Registry) Probe(ctx context.Context, from *domain.Identity) error {
	s, ok := r.senders[from.Provider]
	if !ok {
		return fmt.Errorf("no sender for provider %q", from.Provider)
	}
	if p, ok := s.(Prober); ok {
		return p.Probe(ctx, from)
	}
	return nil
}
