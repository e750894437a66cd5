// Package memrepo реализует репозитории в памяти.
//
// Методы повторяют семантику SQL в пакете repo: условные переходы
// возвращают false без ошибки, уникальные индексы дают repo.ErrAlreadyExists.
// Используется в тестах сервисов.
package memrepo

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
)

// Store хранит все таблицы под одним мьютексом.
type Store struct {
	mu sync.Mutex

	// Now подменяется в тестах.
	Now func() time.Time

	campaigns     map[uuid.UUID]domain.Campaign
	contacts      map[uuid.UUID]domain.Contact
	identities    map[uuid.UUID]domain.Identity
	jobs          map[uuid.UUID]domain.DeliveryJob
	history       []domain.SendRecord
	conversations map[uuid.UUID]domain.Conversation
	events        map[uuid.UUID]domain.InboundEvent

	Campaigns     *CampaignRepo
	Contacts      *ContactRepo
	Identities    *IdentityRepo
	Jobs          *JobRepo
	History       *HistoryRepo
	Conversations *ConversationRepo
	Events        *EventRepo
}

// New создаёт пустое хранилище.
func New() *Store {
	s := &Store{
		Now:           time.Now,
		campaigns:     make(map[uuid.UUID]domain.Campaign),
		contacts:      make(map[uuid.UUID]domain.Contact),
		identities:    make(map[uuid.UUID]domain.Identity),
		jobs:          make(map[uuid.UUID]domain.DeliveryJob),
		conversations: make(map[uuid.UUID]domain.Conversation),
		events:        make(map[uuid.UUID]domain.InboundEvent),
	}
	s.Campaigns = &CampaignRepo{s: s}
	s.Contacts = &ContactRepo{s: s}
	s.Identities = &IdentityRepo{s: s}
	s.Jobs = &JobRepo{s: s}
	s.History = &HistoryRepo{s: s}
	s.Conversations = &ConversationRepo{s: s}
	s.Events = &EventRepo{s: s}
	return s
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func ptr[T any](v T) *T {
	return &v
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// errNotFound возвращает ошибку отсутствия записи.
func errNotFound() error {
	return repo.ErrNotFound
}

func sortByTime[T any](items []T, key func(T) time.Time, desc bool) {
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return key(items[i]).After(key(items[j]))
		}
		return key(items[i]).Before(key(items[j]))
	})
}
