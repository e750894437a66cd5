package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo/memrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memrepo.Store, *Machine, *domain.Contact) {
	t.Helper()
	store := memrepo.New()
	m := New(Config{Contacts: store.Contacts, Jobs: store.Jobs})

	contact := domain.NewContact(uuid.New(), "lead@acme.com")
	require.NoError(t, store.Contacts.Create(context.Background(), contact))
	return store, m, contact
}

// inFlight возвращает задачи контакта в статусах queued/sending.
func inFlight(t *testing.T, store *memrepo.Store, contactID uuid.UUID) []domain.DeliveryJob {
	t.Helper()
	jobs, err := store.Jobs.ListByContact(context.Background(), contactID)
	require.NoError(t, err)
	var out []domain.DeliveryJob
	for _, j := range jobs {
		if j.Status.IsInFlight() {
			out = append(out, j)
		}
	}
	return out
}

func TestMarkBounced_CancelsQueuedJobs(t *testing.T) {
	ctx := context.Background()
	store, m, contact := setup(t)

	first := domain.NewDeliveryJob(contact, domain.FirstTouchPayload{Step: 1}, 3, time.Now())
	second := domain.NewDeliveryJob(contact, domain.FollowUpPayload{Step: 2}, 3, time.Now().Add(time.Hour))
	store.Jobs.Seed(*first)
	store.Jobs.Seed(*second)

	ok, err := m.MarkBounced(ctx, contact.ID, "550 mailbox unavailable")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Contacts.GetByID(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContactStatusBounced, got.Status)
	assert.Nil(t, got.NextEligibleSendAt)
	assert.Empty(t, inFlight(t, store, contact.ID))

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		job, err := store.Jobs.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
	}
}

func TestMarkBounced_Idempotent(t *testing.T) {
	ctx := context.Background()
	_, m, contact := setup(t)

	ok, err := m.MarkBounced(ctx, contact.ID, "hard")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.MarkBounced(ctx, contact.ID, "hard")
	require.NoError(t, err)
	assert.False(t, ok, "second transition must lose the guard")
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	store, m, contact := setup(t)

	ok, err := m.MarkUnsubscribed(ctx, contact.ID, "complaint")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Pause(ctx, contact.ID, domain.PauseReasonManual)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Resume(ctx, contact.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := store.Contacts.GetByID(ctx, contact.ID)
	assert.Equal(t, domain.ContactStatusUnsubscribed, got.Status)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	store, m, contact := setup(t)

	job := domain.NewDeliveryJob(contact, domain.FirstTouchPayload{Step: 1}, 3, time.Now())
	require.NoError(t, store.Jobs.Create(ctx, job))

	ok, err := m.Pause(ctx, contact.ID, domain.PauseReasonManual)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, inFlight(t, store, contact.ID))

	next := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	ok, err = m.Resume(ctx, contact.ID, next)
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := store.Contacts.GetByID(ctx, contact.ID)
	assert.Equal(t, domain.ContactStatusActive, got.Status)
	assert.Empty(t, got.PauseReason)
	require.NotNil(t, got.NextEligibleSendAt)
	assert.True(t, next.Equal(*got.NextEligibleSendAt))
}

func TestCompleteOnlyFromActive(t *testing.T) {
	ctx := context.Background()
	_, m, contact := setup(t)

	ok, err := m.Pause(ctx, contact.ID, domain.PauseReasonManual)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Complete(ctx, contact.ID)
	require.NoError(t, err)
	assert.False(t, ok, "paused contact cannot complete")
}

func TestSoftBounce_ThirdIsHard(t *testing.T) {
	ctx := context.Background()
	store, m, contact := setup(t)

	status, ok, err := m.SoftBounce(ctx, contact.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ContactStatusPaused, status)

	status, ok, err = m.SoftBounce(ctx, contact.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ContactStatusPaused, status)

	status, ok, err = m.SoftBounce(ctx, contact.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ContactStatusBounced, status)

	got, _ := store.Contacts.GetByID(ctx, contact.ID)
	assert.Equal(t, domain.ContactStatusBounced, got.Status)
	assert.Equal(t, 3, got.SoftBounceCount)
}

// Для любого перехода из active у контакта не остаётся задач в работе.
func TestLeavingActive_NoJobsInFlight(t *testing.T) {
	ops := map[string]func(m *Machine, id uuid.UUID) (bool, error){
		"pause":       func(m *Machine, id uuid.UUID) (bool, error) { return m.Pause(context.Background(), id, "manual") },
		"responded":   func(m *Machine, id uuid.UUID) (bool, error) { return m.MarkResponded(context.Background(), id, "") },
		"converted":   func(m *Machine, id uuid.UUID) (bool, error) { return m.MarkConverted(context.Background(), id) },
		"bounced":     func(m *Machine, id uuid.UUID) (bool, error) { return m.MarkBounced(context.Background(), id, "") },
		"unsubscribe": func(m *Machine, id uuid.UUID) (bool, error) { return m.MarkUnsubscribed(context.Background(), id, "") },
		"complete":    func(m *Machine, id uuid.UUID) (bool, error) { return m.Complete(context.Background(), id) },
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			store, m, contact := setup(t)
			job := domain.NewDeliveryJob(contact, domain.FirstTouchPayload{Step: 1}, 3, time.Now())
			require.NoError(t, store.Jobs.Create(context.Background(), job))

			ok, err := op(m, contact.ID)
			require.NoError(t, err)
			require.True(t, ok)

			got, _ := store.Contacts.GetByID(context.Background(), contact.ID)
			assert.NotEqual(t, domain.ContactStatusActive, got.Status)
			assert.Empty(t, inFlight(t, store, contact.ID))
		})
	}
}
