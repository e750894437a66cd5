package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/identity"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/repo/memrepo"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/sequence"
	"github.com/shaiso/Outbound/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type stubProber struct{ err error }

func (p stubProber) Probe(context.Context, *domain.Identity) error { return p.err }

type stubScheduler struct{ calls int }

func (s *stubScheduler) Tick(context.Context) (scheduler.PassResult, error) {
	s.calls++
	return scheduler.PassResult{Campaigns: 1, Scheduled: 3}, nil
}

type stubQueue struct{}

func (stubQueue) Drain(context.Context) (worker.DrainResult, error) {
	return worker.DrainResult{Processed: 2, Outcomes: map[worker.OutcomeKind]int{worker.OutcomeSent: 2}}, nil
}

type recordingSink struct{ events []*domain.InboundEvent }

func (s *recordingSink) Ingest(_ context.Context, ev *domain.InboundEvent) (bool, error) {
	for _, e := range s.events {
		if e.ProviderEventID == ev.ProviderEventID {
			return false, nil
		}
	}
	s.events = append(s.events, ev)
	return true, nil
}

type fixture struct {
	store    *memrepo.Store
	svc      *Service
	campaign *domain.Campaign
	sched    *stubScheduler
	sink     *recordingSink
}

func setup(t *testing.T, prober identity.Prober) *fixture {
	t.Helper()
	store := memrepo.New()
	store.Now = func() time.Time { return testNow }

	campaign := &domain.Campaign{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "Q4",
		Status:   domain.CampaignStatusDraft,
		Sequence: domain.SequenceConfig{
			TotalSteps:   3,
			IntervalDays: 2,
			SendHour:     9,
			Safety:       domain.SafetyThresholds{MaxSendsPerHour: 50, MaxSendsPerDay: 200},
		},
	}
	require.NoError(t, store.Campaigns.Create(context.Background(), campaign))

	seq := sequence.New(sequence.Config{Contacts: store.Contacts, Jobs: store.Jobs})
	pool := identity.NewPool(identity.Config{
		Store:  store.Identities,
		Prober: prober,
		Now:    func() time.Time { return testNow },
	})

	f := &fixture{store: store, campaign: campaign, sched: &stubScheduler{}, sink: &recordingSink{}}
	f.svc = New(Config{
		Campaigns:     store.Campaigns,
		Contacts:      store.Contacts,
		Jobs:          store.Jobs,
		History:       store.History,
		Conversations: store.Conversations,
		Sequence:      seq,
		Identities:    pool,
		Scheduler:     f.sched,
		Queue:         stubQueue{},
		Events:        f.sink,
		Now:           func() time.Time { return testNow },
	})
	return f
}

func TestCampaignLifecycle(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	contact := domain.NewContact(f.campaign.ID, "dana@acme.com")
	contact.NextEligibleSendAt = nil
	require.NoError(t, f.store.Contacts.Create(ctx, contact))

	c, err := f.svc.StartCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, c.Status)

	armed, err := f.store.Contacts.GetByID(ctx, contact.ID)
	require.NoError(t, err)
	require.NotNil(t, armed.NextEligibleSendAt)
	assert.True(t, armed.NextEligibleSendAt.Equal(testNow))

	// повторный старт активной кампании
	_, err = f.svc.StartCampaign(ctx, f.campaign.ID)
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	c, err = f.svc.PauseCampaign(ctx, f.campaign.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusPaused, c.Status)
	assert.Equal(t, "manual", c.PauseReason)

	_, err = f.svc.PauseCampaign(ctx, f.campaign.ID, "again")
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	c, err = f.svc.ResumeCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, c.Status)
	assert.Empty(t, c.PauseReason)
}

func TestStartCampaign_InvalidSequence(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	bad := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusDraft}
	require.NoError(t, f.store.Campaigns.Create(ctx, bad))

	_, err := f.svc.StartCampaign(ctx, bad.ID)
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	_, err = f.svc.StartCampaign(ctx, uuid.New())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCampaignStatus(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	contact := domain.NewContact(f.campaign.ID, "dana@acme.com")
	require.NoError(t, f.store.Contacts.Create(ctx, contact))
	bounced := domain.NewContact(f.campaign.ID, "gone@acme.com")
	bounced.Status = domain.ContactStatusBounced
	require.NoError(t, f.store.Contacts.Create(ctx, bounced))

	for _, status := range []domain.DeliveryStatus{
		domain.DeliveryStatusSent, domain.DeliveryStatusDelivered,
		domain.DeliveryStatusComplained, domain.DeliveryStatusBounced,
	} {
		require.NoError(t, f.store.History.Append(ctx, &domain.SendRecord{
			ID:                uuid.New(),
			JobID:             uuid.New(),
			ContactID:         contact.ID,
			CampaignID:        f.campaign.ID,
			ProviderMessageID: uuid.NewString(),
			DeliveryStatus:    status,
			SentAt:            testNow,
		}))
	}

	stats, err := f.svc.CampaignStatus(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusDraft, stats.Status)
	assert.Equal(t, 1, stats.ContactsByStatus[domain.ContactStatusActive])
	assert.Equal(t, 1, stats.ContactsByStatus[domain.ContactStatusBounced])
	assert.Equal(t, 4, stats.Sent)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 1, stats.Bounced)
	assert.Equal(t, 1, stats.Complained)
}

func TestResumeContact(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	contact := domain.NewContact(f.campaign.ID, "dana@acme.com")
	contact.Status = domain.ContactStatusPaused
	contact.PauseReason = "objection"
	require.NoError(t, f.store.Contacts.Create(ctx, contact))

	c, err := f.svc.ResumeContact(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContactStatusActive, c.Status)
	require.NotNil(t, c.NextEligibleSendAt)
	assert.True(t, c.NextEligibleSendAt.Equal(testNow))

	_, err = f.svc.ResumeContact(ctx, contact.ID)
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	_, err = f.svc.ResumeContact(ctx, uuid.New())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestIdentityPauseResume(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	ident := &domain.Identity{
		ID:          uuid.New(),
		TenantID:    f.campaign.TenantID,
		Email:       "sales@acme.com",
		Provider:    "ses",
		Status:      domain.IdentityStatusActive,
		HealthScore: 90,
		DailyLimit:  50,
		CounterDay:  domain.Day(testNow),
	}
	require.NoError(t, f.store.Identities.Create(ctx, ident))

	got, err := f.svc.PauseIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusPaused, got.Status)

	_, err = f.svc.PauseIdentity(ctx, ident.ID)
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	got, err = f.svc.ResumeIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusActive, got.Status)

	usage, err := f.svc.ListIdentities(ctx, f.campaign.TenantID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 50, usage[0].RemainingQuota)
}

func TestResumeIdentity_ProbeFails(t *testing.T) {
	f := setup(t, stubProber{err: errors.New("535 auth failed")})
	ctx := context.Background()

	ident := &domain.Identity{
		ID:         uuid.New(),
		TenantID:   f.campaign.TenantID,
		Email:      "sales@acme.com",
		Status:     domain.IdentityStatusSuspended,
		DailyLimit: 50,
	}
	require.NoError(t, f.store.Identities.Create(ctx, ident))

	_, err := f.svc.ResumeIdentity(ctx, ident.ID)
	assert.ErrorIs(t, err, identity.ErrProbeFailed)
}

func TestListConversations(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	open := domain.NewConversation(f.campaign.ID, uuid.New())
	_, err := f.store.Conversations.GetOrCreate(ctx, open)
	require.NoError(t, err)

	handoff := domain.NewConversation(f.campaign.ID, uuid.New())
	handoff.RequiresHandoff = true
	_, err = f.store.Conversations.GetOrCreate(ctx, handoff)
	require.NoError(t, err)

	all, err := f.svc.ListConversations(ctx, f.campaign.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	waiting, err := f.svc.ListConversations(ctx, f.campaign.ID, true)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, handoff.ContactID, waiting[0].ContactID)

	_, err = f.svc.ListConversations(ctx, uuid.New(), false)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSchedulerAndQueue(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	pass, err := f.svc.RunScheduler(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pass.Scheduled)
	assert.Equal(t, 1, f.sched.calls)

	drained, err := f.svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, drained.Outcomes[worker.OutcomeSent])

	bare := New(Config{})
	_, err = bare.RunScheduler(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = bare.DrainQueue(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestIngest_Deduplicates(t *testing.T) {
	f := setup(t, stubProber{})
	ctx := context.Background()

	ev := domain.DeliveryEvent{EventID: "evt-1", MessageID: "m-1", Type: domain.DeliveryEventDelivered}
	inserted, err := f.svc.IngestDelivery(ctx, "mailgun", ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = f.svc.IngestDelivery(ctx, "mailgun", ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = f.svc.IngestReply(ctx, "mailgun", domain.ReplyEvent{MessageID: "<r-1@mail.acme.com>", From: "dana@acme.com"})
	require.NoError(t, err)
	assert.True(t, inserted)

	require.Len(t, f.sink.events, 2)
	assert.Equal(t, domain.InboundEventReply, f.sink.events[1].Kind)
	assert.Equal(t, "r-1@mail.acme.com", f.sink.events[1].ProviderEventID)
	assert.True(t, f.sink.events[1].ReceivedAt.Equal(testNow))
}
