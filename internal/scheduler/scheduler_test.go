package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo/memrepo"
	"github.com/shaiso/Outbound/internal/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCapacity int

func (c fixedCapacity) Capacity(context.Context, uuid.UUID, time.Time) (int, error) {
	return int(c), nil
}

type recordingPublisher struct{ ids []uuid.UUID }

func (p *recordingPublisher) PublishJobReady(_ context.Context, id uuid.UUID) error {
	p.ids = append(p.ids, id)
	return nil
}

type fixture struct {
	store     *memrepo.Store
	sched     *Scheduler
	publisher *recordingPublisher
	campaign  *domain.Campaign
	now       time.Time
}

func newFixture(t *testing.T, safety domain.SafetyThresholds, capacity int) *fixture {
	t.Helper()
	now := ts("2026-10-13T15:00:00Z")
	store := memrepo.New()
	store.Now = func() time.Time { return now }

	campaign := &domain.Campaign{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "q4 outreach",
		Status:   domain.CampaignStatusActive,
		Sequence: domain.SequenceConfig{
			TotalSteps:      3,
			IntervalDays:    3,
			AllowedWeekdays: []time.Weekday{time.Tuesday, time.Thursday},
			SendHour:        9,
			Safety:          safety,
		},
		CreatedAt: now,
	}
	require.NoError(t, store.Campaigns.Create(context.Background(), campaign))

	pub := &recordingPublisher{}
	s := New(Config{
		Campaigns: store.Campaigns,
		Contacts:  store.Contacts,
		Jobs:      store.Jobs,
		History:   store.History,
		Capacity:  fixedCapacity(capacity),
		Sequence:  sequence.New(sequence.Config{Contacts: store.Contacts, Jobs: store.Jobs}),
		Publisher: pub,
		Now:       func() time.Time { return now },
	})
	return &fixture{store: store, sched: s, publisher: pub, campaign: campaign, now: now}
}

func (f *fixture) addContact(t *testing.T, email string, dueAgo time.Duration) *domain.Contact {
	t.Helper()
	c := domain.NewContact(f.campaign.ID, email)
	due := f.now.Add(-dueAgo)
	c.NextEligibleSendAt = &due
	require.NoError(t, f.store.Contacts.Create(context.Background(), c))
	return c
}

func (f *fixture) addHistory(t *testing.T, n, bounced int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		status := domain.DeliveryStatusDelivered
		if i < bounced {
			status = domain.DeliveryStatusBounced
		}
		require.NoError(t, f.store.History.Append(context.Background(), &domain.SendRecord{
			ID:                uuid.New(),
			CampaignID:        f.campaign.ID,
			ContactID:         uuid.New(),
			ProviderMessageID: fmt.Sprintf("msg-%d@%s", i, f.campaign.ID),
			DeliveryStatus:    status,
			SentAt:            at,
		}))
	}
}

func defaultSafety() domain.SafetyThresholds {
	return domain.SafetyThresholds{
		MaxSendsPerHour:     10,
		MaxSendsPerDay:      100,
		MaxBounceRatePct:    5,
		MaxComplaintRatePct: 1,
	}
}

func TestTick_BounceBreakerPausesCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1000)
	f.addHistory(t, 100, 6, f.now.Add(-3*time.Hour))
	f.addContact(t, "a@acme.com", time.Hour)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Paused)
	assert.Zero(t, res.Scheduled)

	got, err := f.store.Campaigns.GetByID(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusPaused, got.Status)
	assert.Equal(t, domain.PauseReasonBounceRate, got.PauseReason)

	// Следующий проход кампанию уже не видит.
	res, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Campaigns)

	n, err := f.store.Jobs.CountInFlight(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_BreakerNeedsMinimumSample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1000)
	f.addHistory(t, 10, 5, f.now.Add(-20*time.Hour)) // 50%, но всего 10 отправок
	f.addContact(t, "a@acme.com", time.Hour)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Paused)
	assert.Equal(t, 1, res.Scheduled)
}

func TestTick_BounceBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1000)
	f.addHistory(t, 100, 5, f.now.Add(-20*time.Hour)) // ровно 5% не превышает порог, отправки вчерашние
	f.addContact(t, "a@acme.com", time.Hour)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Paused)
	assert.Equal(t, 1, res.Scheduled)
}

func TestTick_SchedulesOldestFirstWithinHourlyBudget(t *testing.T) {
	ctx := context.Background()
	safety := defaultSafety()
	safety.MaxSendsPerHour = 2
	f := newFixture(t, safety, 1000)

	newest := f.addContact(t, "new@acme.com", time.Minute)
	oldest := f.addContact(t, "old@acme.com", 3*time.Hour)
	middle := f.addContact(t, "mid@acme.com", time.Hour)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scheduled)
	assert.Len(t, f.publisher.ids, 2)

	for _, c := range []*domain.Contact{oldest, middle} {
		jobs, err := f.store.Jobs.ListByContact(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.JobKindFirstTouch, jobs[0].Kind)
		assert.Equal(t, 1, jobs[0].Step)

		got, _ := f.store.Contacts.GetByID(ctx, c.ID)
		require.NotNil(t, got.NextEligibleSendAt)
		// От отправки во вторник 15:00 + 3 дня → пятница, первый разрешённый день вторник.
		assert.Equal(t, ts("2026-10-20T09:00:00Z"), *got.NextEligibleSendAt)
	}

	jobs, err := f.store.Jobs.ListByContact(ctx, newest.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Задачи в работе съедают бюджет следующего прохода.
	res, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scheduled)
}

func TestTick_IdentityCapacityLimitsBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1)
	f.addContact(t, "a@acme.com", time.Hour)
	f.addContact(t, "b@acme.com", 2*time.Hour)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scheduled)
}

func TestTick_CompletesFinishedSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1000)
	c := domain.NewContact(f.campaign.ID, "done@acme.com")
	c.SequencePosition = 3
	due := f.now.Add(-time.Hour)
	c.NextEligibleSendAt = &due
	require.NoError(t, f.store.Contacts.Create(ctx, c))

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	got, _ := f.store.Contacts.GetByID(ctx, c.ID)
	assert.Equal(t, domain.ContactStatusCompleted, got.Status)
}

func TestTick_FollowUpThreadsOnPreviousSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1000)
	c := domain.NewContact(f.campaign.ID, "lead@acme.com")
	c.SequencePosition = 1
	sent := f.now.Add(-6 * 24 * time.Hour)
	c.LastSentAt = &sent
	due := f.now.Add(-time.Hour)
	c.NextEligibleSendAt = &due
	require.NoError(t, f.store.Contacts.Create(ctx, c))
	require.NoError(t, f.store.History.Append(ctx, &domain.SendRecord{
		ID:                uuid.New(),
		ContactID:         c.ID,
		CampaignID:        uuid.New(), // другая кампания, чтобы не влиять на окна
		ProviderMessageID: "<first@mail.acme.com>",
		Subject:           "Quick question",
		DeliveryStatus:    domain.DeliveryStatusDelivered,
		SentAt:            sent,
	}))

	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)

	jobs, err := f.store.Jobs.ListByContact(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	payload, ok := jobs[0].Payload.(domain.FollowUpPayload)
	require.True(t, ok)
	assert.Equal(t, 2, payload.Step)
	assert.Equal(t, "first@mail.acme.com", payload.ThreadMessageID)
	assert.Equal(t, "Quick question", payload.ThreadSubject)
}

func TestTick_SkipsInactiveContacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultSafety(), 1000)
	c := f.addContact(t, "paused@acme.com", time.Hour)
	_, err := f.store.Contacts.Transition(ctx, c.ID,
		[]domain.ContactStatus{domain.ContactStatusActive}, domain.ContactStatusPaused, domain.PauseReasonManual)
	require.NoError(t, err)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scheduled)
}
