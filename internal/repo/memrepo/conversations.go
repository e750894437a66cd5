package memrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
)

// ConversationRepo: переписки в памяти.
type ConversationRepo struct{ s *Store }

func (r *ConversationRepo) GetOrCreate(_ context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.conversations {
		if c.CampaignID == conv.CampaignID && c.ContactID == conv.ContactID {
			return ptr(c), nil
		}
	}
	r.s.conversations[conv.ID] = *conv
	return ptr(*conv), nil
}

func (r *ConversationRepo) GetByContact(_ context.Context, campaignID, contactID uuid.UUID) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.conversations {
		if c.CampaignID == campaignID && c.ContactID == contactID {
			return ptr(c), nil
		}
	}
	return nil, errNotFound()
}

func (r *ConversationRepo) ApplyReply(_ context.Context, id uuid.UUID, u domain.ConversationUpdate) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, errNotFound()
	}
	c.Status = u.Status
	c.Stage = u.Stage
	c.TotalResponses++
	c.RequiresHandoff = c.RequiresHandoff || u.RequiresHandoff
	c.SequencePaused = c.SequencePaused || u.SequencePaused
	if u.PauseReason != "" {
		c.PauseReason = u.PauseReason
	}
	c.LastIntent = u.LastIntent
	c.LastReplyAt = ptr(u.ReplyAt)
	c.RespondAfter = u.RespondAfter
	c.ResponseAction = u.ResponseAction
	c.UpdatedAt = r.s.now()
	r.s.conversations[id] = c
	return ptr(c), nil
}

func (r *ConversationRepo) ListByCampaign(_ context.Context, campaignID uuid.UUID, handoffOnly bool) ([]domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Conversation
	for _, c := range r.s.conversations {
		if c.CampaignID == campaignID && (!handoffOnly || c.RequiresHandoff) {
			out = append(out, c)
		}
	}
	sortByTime(out, func(c domain.Conversation) time.Time { return c.UpdatedAt }, true)
	return out, nil
}

func (r *ConversationRepo) CountByCampaign(_ context.Context, campaignID uuid.UUID) (replies, handoffs int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.conversations {
		if c.CampaignID != campaignID {
			continue
		}
		replies++
		if c.RequiresHandoff {
			handoffs++
		}
	}
	return replies, handoffs, nil
}
