package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/content"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/identity"
	"github.com/shaiso/Outbound/internal/repo/memrepo"
	"github.com/shaiso/Outbound/internal/sequence"
	"github.com/shaiso/Outbound/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, req content.Request) (content.Content, error) {
	subject := "Idea for " + req.Contact.Company
	if req.ThreadSubject != "" {
		subject = "Re: " + req.ThreadSubject
	}
	return content.Content{Subject: subject, Body: "Hi " + req.Contact.FirstName, QualityScore: 0.9}, nil
}

type stubSender struct {
	mu   sync.Mutex
	err  error
	sent []transport.Message
}

func (s *stubSender) Send(_ context.Context, from domain.Identity, msg transport.Message) (transport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return transport.Result{}, s.err
	}
	s.sent = append(s.sent, msg)
	return transport.Result{Provider: from.Provider, MessageID: uuid.NewString() + "@mail.acme.com"}, nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// hangingSender ждёт, пока не истечёт контекст задачи.
type hangingSender struct{}

func (hangingSender) Send(ctx context.Context, _ domain.Identity, _ transport.Message) (transport.Result, error) {
	<-ctx.Done()
	return transport.Result{}, ctx.Err()
}

// pausingGenerator ставит контакт на паузу, пока генерирует письмо.
type pausingGenerator struct {
	sequence *sequence.Machine
}

func (g pausingGenerator) Generate(ctx context.Context, req content.Request) (content.Content, error) {
	if _, err := g.sequence.Pause(ctx, req.Contact.ID, domain.PauseReasonManual); err != nil {
		return content.Content{}, err
	}
	return stubGenerator{}.Generate(ctx, req)
}

type fixture struct {
	store    *memrepo.Store
	sender   *stubSender
	sequence *sequence.Machine
	cfg      Config
	worker   *Worker
	campaign *domain.Campaign
	contact  *domain.Contact
	identity *domain.Identity
}

func setup(t *testing.T, totalSteps int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memrepo.New()
	tenant := uuid.New()

	campaign := &domain.Campaign{
		ID:       uuid.New(),
		TenantID: tenant,
		Name:     "Q4 outreach",
		Status:   domain.CampaignStatusActive,
		Sequence: domain.SequenceConfig{
			TotalSteps:   totalSteps,
			IntervalDays: 3,
			SendHour:     9,
			Safety:       domain.SafetyThresholds{MaxSendsPerHour: 50, MaxSendsPerDay: 200},
		},
	}
	require.NoError(t, store.Campaigns.Create(ctx, campaign))

	contact := domain.NewContact(campaign.ID, "lead@acme.com")
	contact.FirstName = "Dana"
	contact.Company = "Acme"
	require.NoError(t, store.Contacts.Create(ctx, contact))

	ident := &domain.Identity{
		ID:          uuid.New(),
		TenantID:    tenant,
		Email:       "alex@mail.acme.com",
		Provider:    transport.ProviderSES,
		Status:      domain.IdentityStatusActive,
		HealthScore: 100,
		DailyLimit:  50,
		CounterDay:  domain.Day(time.Now()),
	}
	require.NoError(t, store.Identities.Create(ctx, ident))

	sender := &stubSender{}
	seq := sequence.New(sequence.Config{Contacts: store.Contacts, Jobs: store.Jobs})
	cfg := Config{
		Jobs:      store.Jobs,
		Contacts:  store.Contacts,
		Campaigns: store.Campaigns,
		History:   store.History,
		Pool:      identity.NewPool(identity.Config{Store: store.Identities}),
		Sequence:  seq,
		Content:   stubGenerator{},
		Sender:    sender,
	}

	return &fixture{
		store:    store,
		sender:   sender,
		sequence: seq,
		cfg:      cfg,
		worker:   New(cfg),
		campaign: campaign,
		contact:  contact,
		identity: ident,
	}
}

// reconfigure пересобирает worker с изменённой конфигурацией.
func (f *fixture) reconfigure(change func(*Config)) {
	cfg := f.cfg
	change(&cfg)
	f.worker = New(cfg)
}

func (f *fixture) enqueue(t *testing.T, payload domain.JobPayload, maxAttempts int) *domain.DeliveryJob {
	t.Helper()
	job := domain.NewDeliveryJob(f.contact, payload, maxAttempts, time.Now().Add(-time.Second))
	f.store.Jobs.Seed(*job)
	return job
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *domain.DeliveryJob {
	t.Helper()
	j, err := f.store.Jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) reloadContact(t *testing.T) *domain.Contact {
	t.Helper()
	c, err := f.store.Contacts.GetByID(context.Background(), f.contact.ID)
	require.NoError(t, err)
	return c
}

func TestProcessJob_SentAdvancesContact(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.IdentityID)
	assert.Equal(t, f.identity.ID, *got.IdentityID)
	assert.NotEmpty(t, got.ProviderMessageID)

	rec, err := f.store.History.FindByMessageID(ctx, got.ProviderMessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusSent, rec.DeliveryStatus)
	assert.Equal(t, "Idea for Acme", rec.Subject)
	assert.Equal(t, 1, rec.Step)

	contact := f.reloadContact(t)
	assert.Equal(t, domain.ContactStatusActive, contact.Status)
	assert.Equal(t, 1, contact.SequencePosition)
	require.NotNil(t, contact.NextEligibleSendAt)
	assert.True(t, contact.NextEligibleSendAt.After(out.SentAt))

	ident, err := f.store.Identities.GetByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ident.DailySent)

	require.Equal(t, 1, f.sender.count())
	msg := f.sender.sent[0]
	assert.Equal(t, "lead@acme.com", msg.To)
	assert.Equal(t, job.ID.String(), msg.Tags["job_id"])
	assert.Empty(t, msg.InReplyTo)
}

func TestProcessJob_LastStepCompletes(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 1)
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)

	contact := f.reloadContact(t)
	assert.Equal(t, domain.ContactStatusCompleted, contact.Status)
	assert.Equal(t, 1, contact.SequencePosition)
}

func TestProcessJob_FollowUpThreads(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	_, err := f.store.Contacts.RecordSent(ctx, f.contact.ID, 1, time.Now().Add(-72*time.Hour), nil)
	require.NoError(t, err)

	job := f.enqueue(t, domain.FollowUpPayload{
		Step:            2,
		ThreadMessageID: "<first@mail.acme.com>",
		ThreadSubject:   "Idea for Acme",
	}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)

	require.Equal(t, 1, f.sender.count())
	msg := f.sender.sent[0]
	assert.Equal(t, "Re: Idea for Acme", msg.Subject)
	assert.Equal(t, "<first@mail.acme.com>", msg.InReplyTo)
	assert.Equal(t, []string{"<first@mail.acme.com>"}, msg.References)
	assert.Equal(t, 2, f.reloadContact(t).SequencePosition)
}

func TestProcessJob_PermanentErrorBounces(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	f.sender.err = &transport.Error{Provider: transport.ProviderSMTP, Code: 550, Permanent: true, Err: errors.New("mailbox unavailable")}
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.True(t, out.Bounce)

	assert.Equal(t, domain.JobStatusFailed, f.job(t, job.ID).Status)
	assert.Equal(t, domain.ContactStatusBounced, f.reloadContact(t).Status)
}

func TestProcessJob_TransientErrorRetries(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	f.sender.err = errors.New("connection reset")
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	before := time.Now()
	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, out.Kind)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection reset", got.LastError)
	assert.True(t, got.RunAfter.After(before.Add(50*time.Second)), "first retry waits about a minute")

	ident, err := f.store.Identities.GetByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ident.ConsecutiveErrors)

	// До run_after задача не захватывается.
	_, err = f.worker.ProcessJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotClaimable)
}

func TestProcessJob_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	f.sender.err = errors.New("timeout")
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 1)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, out.Kind)

	assert.Equal(t, domain.JobStatusFailed, f.job(t, job.ID).Status)

	contact := f.reloadContact(t)
	assert.Equal(t, domain.ContactStatusActive, contact.Status)
	assert.Equal(t, 0, contact.SequencePosition)
	require.NotNil(t, contact.NextEligibleSendAt)
	assert.True(t, contact.NextEligibleSendAt.After(time.Now()))
}

func TestProcessJob_InactiveContactCancels(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)
	_, err := f.store.Contacts.Transition(ctx, f.contact.ID, []domain.ContactStatus{domain.ContactStatusActive}, domain.ContactStatusPaused, domain.PauseReasonManual)
	require.NoError(t, err)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, domain.JobStatusCancelled, f.job(t, job.ID).Status)
	assert.Zero(t, f.sender.count())
}

func TestProcessJob_TimeoutRetries(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	f.reconfigure(func(cfg *Config) {
		cfg.Sender = hangingSender{}
		cfg.JobTimeout = 100 * time.Millisecond
	})
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.LastError)
	assert.Equal(t, domain.ContactStatusActive, f.reloadContact(t).Status)
}

func TestProcessJob_CancelledMidFlightDoesNotSend(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	f.reconfigure(func(cfg *Config) {
		cfg.Content = pausingGenerator{sequence: f.sequence}
	})
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Zero(t, f.sender.count())
	assert.Equal(t, domain.JobStatusCancelled, f.job(t, job.ID).Status)

	contact := f.reloadContact(t)
	assert.Equal(t, domain.ContactStatusPaused, contact.Status)
	assert.Equal(t, 0, contact.SequencePosition)
}

func TestProcessJob_StepAlreadySentCancels(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	_, err := f.store.Contacts.RecordSent(ctx, f.contact.ID, 1, time.Now(), nil)
	require.NoError(t, err)
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Zero(t, f.sender.count())
}

func TestProcessJob_NoIdentityDefers(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	_, err := f.store.Identities.SetStatus(ctx, f.identity.ID, []domain.IdentityStatus{domain.IdentityStatusActive}, domain.IdentityStatusPaused)
	require.NoError(t, err)
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out.Kind)
	assert.Equal(t, domain.JobStatusCancelled, f.job(t, job.ID).Status)

	contact := f.reloadContact(t)
	assert.Equal(t, domain.ContactStatusActive, contact.Status)
	require.NotNil(t, contact.NextEligibleSendAt)
	assert.True(t, contact.IsDue(time.Now().Add(time.Second)))
}

func TestProcessJob_PausedCampaignDefers(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	_, err := f.store.Campaigns.SetStatus(ctx, f.campaign.ID, []domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusPaused, domain.PauseReasonBounceRate)
	require.NoError(t, err)
	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)

	out, err := f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out.Kind)
	assert.Zero(t, f.sender.count())
}

func TestProcessJob_NotFoundAndNotClaimable(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)

	_, err := f.worker.ProcessJob(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)

	job := f.enqueue(t, domain.FirstTouchPayload{Step: 1}, 3)
	_, err = f.worker.ProcessJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = f.worker.ProcessJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotClaimable)
	assert.Equal(t, 1, f.sender.count())
}

func TestDrain_ProcessesEachContactOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)

	var jobs []uuid.UUID
	for _, email := range []string{"a@acme.com", "b@acme.com", "c@acme.com"} {
		c := domain.NewContact(f.campaign.ID, email)
		require.NoError(t, f.store.Contacts.Create(ctx, c))
		j := domain.NewDeliveryJob(c, domain.FirstTouchPayload{Step: 1}, 3, time.Now().Add(-time.Second))
		f.store.Jobs.Seed(*j)
		jobs = append(jobs, j.ID)
	}

	res, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Outcomes[OutcomeSent])
	assert.Equal(t, 3, f.sender.count())

	for _, id := range jobs {
		assert.Equal(t, domain.JobStatusSent, f.job(t, id).Status)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
		{-1, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Minute, time.Hour), "attempt %d", tt.attempt)
	}
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 3)
	old := time.Now().Add(-time.Hour)

	retryable := domain.NewDeliveryJob(f.contact, domain.FirstTouchPayload{Step: 1}, 3, old)
	retryable.Status = domain.JobStatusSending
	retryable.Attempts = 1
	retryable.UpdatedAt = old
	f.store.Jobs.Seed(*retryable)

	exhausted := domain.NewDeliveryJob(f.contact, domain.FollowUpPayload{Step: 2}, 2, old)
	exhausted.Status = domain.JobStatusSending
	exhausted.Attempts = 2
	exhausted.UpdatedAt = old
	f.store.Jobs.Seed(*exhausted)

	fresh := domain.NewDeliveryJob(f.contact, domain.FollowUpPayload{Step: 3}, 3, time.Now())
	fresh.Status = domain.JobStatusSending
	fresh.UpdatedAt = time.Now()
	f.store.Jobs.Seed(*fresh)

	requeued, failed, err := f.worker.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Equal(t, int64(1), failed)

	assert.Equal(t, domain.JobStatusQueued, f.job(t, retryable.ID).Status)
	assert.Equal(t, domain.JobStatusFailed, f.job(t, exhausted.ID).Status)
	assert.Equal(t, domain.JobStatusSending, f.job(t, fresh.ID).Status)
}
