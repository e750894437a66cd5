package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/content"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/identity"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/telemetry"
	"github.com/shaiso/Outbound/internal/transport"
)

// handleJobReady обрабатывает пробуждение из очереди jobs.ready.
func (w *Worker) handleJobReady(ctx context.Context, id uuid.UUID) error {
	w.logger.Debug("received job.ready", "job_id", id)

	if _, err := w.ProcessJob(ctx, id); err != nil {
		// Задачу уже взял другой воркер или ещё не время: ack.
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobNotClaimable) {
			w.logger.Debug("job not processed", "job_id", id, "reason", err)
			return nil
		}
		w.logger.Error("failed to process job", "job_id", id, "error", err)
		return err
	}
	return nil
}

// ProcessJob захватывает задачу, выполняет отправку и записывает исход.
func (w *Worker) ProcessJob(ctx context.Context, id uuid.UUID) (Outcome, error) {
	job, ok, err := w.jobs.Claim(ctx, id, w.now().UTC())
	if err != nil {
		return Outcome{}, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		if _, err := w.jobs.GetByID(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Outcome{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return Outcome{}, fmt.Errorf("get job: %w", err)
		}
		return Outcome{}, ErrJobNotClaimable
	}

	logger := telemetry.WithContactID(telemetry.WithJobID(w.logger, job.ID), job.ContactID)
	logger.Info("job claimed", "step", job.Step, "kind", job.Kind, "attempt", job.Attempts)

	execCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	out := w.execute(execCtx, job)
	cancel()

	if err := w.apply(ctx, job, out); err != nil {
		return out, err
	}

	w.metrics.JobProcessed(string(out.Kind))
	logger.Info("job processed", "outcome", out.Kind, "reason", out.Reason)
	return out, nil
}

// execute выполняет задачу без записи результата.
func (w *Worker) execute(ctx context.Context, job *domain.DeliveryJob) Outcome {
	contact, err := w.contacts.GetByID(ctx, job.ContactID)
	if err != nil {
		return retry(fmt.Errorf("load contact: %w", err), nil)
	}
	if contact.Status != domain.ContactStatusActive {
		return cancelled("contact is " + string(contact.Status))
	}
	if job.Step <= contact.SequencePosition {
		return cancelled(fmt.Sprintf("step %d already sent", job.Step))
	}

	campaign, err := w.campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		return retry(fmt.Errorf("load campaign: %w", err), nil)
	}
	if campaign.Status != domain.CampaignStatusActive {
		return deferred("campaign is " + string(campaign.Status))
	}

	req := content.Request{Contact: *contact, Campaign: *campaign, Step: job.Step}
	var inReplyTo string
	if p, ok := job.Payload.(domain.FollowUpPayload); ok {
		req.ThreadSubject = p.ThreadSubject
		inReplyTo = p.ThreadMessageID
	}

	generated, err := w.content.Generate(ctx, req)
	if err != nil {
		return retry(fmt.Errorf("generate content: %w", err), nil)
	}

	sender, err := w.pool.SelectBest(ctx, campaign.TenantID, campaign.Sequence.PreferredIdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrNoIdentityAvailable) {
			return deferred(err.Error())
		}
		return retry(fmt.Errorf("select identity: %w", err), nil)
	}

	// Пока генерировали контент, контакт мог ответить или задачу могли отменить.
	if still, err := w.jobs.IsSending(ctx, job.ID); err != nil {
		return retry(fmt.Errorf("check job: %w", err), nil)
	} else if !still {
		return cancelled("job no longer sending")
	}
	if fresh, err := w.contacts.GetByID(ctx, job.ContactID); err == nil && fresh.Status != domain.ContactStatusActive {
		return cancelled("contact is " + string(fresh.Status))
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return retry(fmt.Errorf("rate limit: %w", err), nil)
	}

	msg := transport.Message{
		To:        contact.Email,
		ToName:    contact.FullName(),
		Subject:   generated.Subject,
		TextBody:  generated.Body,
		InReplyTo: inReplyTo,
		Tags: map[string]string{
			"campaign_id": job.CampaignID.String(),
			"contact_id":  job.ContactID.String(),
			"job_id":      job.ID.String(),
		},
	}
	if inReplyTo != "" {
		msg.References = []string{inReplyTo}
	}

	res, err := w.sender.Send(ctx, *sender, msg)
	if err != nil {
		if transport.IsPermanent(err) {
			return fatal(err, true, sender)
		}
		return retry(err, sender)
	}
	return sent(sender, res, generated, w.now().UTC())
}

// apply записывает исход задачи.
func (w *Worker) apply(ctx context.Context, job *domain.DeliveryJob, out Outcome) error {
	logger := telemetry.WithJobID(w.logger, job.ID)

	switch out.Kind {
	case OutcomeSent:
		return w.applySent(ctx, job, out)

	case OutcomeRetry:
		if out.Identity != nil {
			if _, err := w.pool.RecordFailure(ctx, out.Identity.ID, out.Err); err != nil {
				logger.Warn("failed to record identity failure", "identity_id", out.Identity.ID, "error", err)
			}
			w.metrics.Send(out.Identity.Provider, "error")
		}
		if job.CanRetry() {
			delay := Backoff(job.Attempts-1, w.backoffBase, w.backoffMax)
			ok, err := w.jobs.MarkRetry(ctx, job.ID, w.now().UTC().Add(delay), out.Reason)
			if err != nil {
				return fmt.Errorf("mark retry: %w", err)
			}
			if ok {
				logger.Warn("job will be retried", "delay", delay, "attempt", job.Attempts, "error", out.Reason)
				w.publishDelayed(ctx, job.ID, delay)
				return nil
			}
		}
		logger.Error("job failed, retries exhausted", "attempts", job.Attempts, "error", out.Reason)
		if _, err := w.jobs.MarkFailed(ctx, job.ID, out.Reason); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		w.rescheduleAfterFailure(ctx, job)
		return nil

	case OutcomeFatal:
		if out.Identity != nil {
			w.metrics.Send(out.Identity.Provider, "rejected")
		}
		if _, err := w.jobs.MarkFailed(ctx, job.ID, out.Reason); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if out.Bounce {
			if _, err := w.sequence.MarkBounced(ctx, job.ContactID, out.Reason); err != nil {
				return fmt.Errorf("mark bounced: %w", err)
			}
			logger.Warn("recipient rejected", "error", out.Reason)
		}
		return nil

	case OutcomeDeferred:
		if _, err := w.jobs.Cancel(ctx, job.ID, out.Reason); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		// Контакт снова станет due на следующем проходе планировщика.
		if _, err := w.contacts.ScheduleNext(ctx, job.ContactID, w.now().UTC()); err != nil {
			return fmt.Errorf("reschedule contact: %w", err)
		}
		return nil

	case OutcomeCancelled:
		if _, err := w.jobs.Cancel(ctx, job.ID, out.Reason); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	}

	return fmt.Errorf("unknown outcome %q", out.Kind)
}

func (w *Worker) applySent(ctx context.Context, job *domain.DeliveryJob, out Outcome) error {
	logger := telemetry.WithIdentityID(telemetry.WithJobID(w.logger, job.ID), out.Identity.ID)

	msgID := out.Result.MessageID
	if msgID == "" {
		msgID = job.ID.String()
	}

	if _, err := w.jobs.MarkSent(ctx, job.ID, out.Identity.ID, msgID, out.SentAt); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	rec := &domain.SendRecord{
		ID:                uuid.New(),
		JobID:             job.ID,
		ContactID:         job.ContactID,
		CampaignID:        job.CampaignID,
		IdentityID:        out.Identity.ID,
		Step:              job.Step,
		ProviderMessageID: msgID,
		Subject:           out.Content.Subject,
		QualityScore:      out.Content.QualityScore,
		UsedFallback:      out.Content.Fallback,
		DeliveryStatus:    domain.DeliveryStatusSent,
		SentAt:            out.SentAt,
		UpdatedAt:         out.SentAt,
	}
	if err := w.history.Append(ctx, rec); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if _, err := w.pool.RecordSuccess(ctx, out.Identity.ID); err != nil {
		logger.Warn("failed to record identity success", "error", err)
	}
	w.metrics.Send(out.Identity.Provider, "sent")

	campaign, err := w.campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	seq := campaign.Sequence
	last := job.Step >= seq.TotalSteps

	var next *time.Time
	if !last {
		t := scheduler.NextSendTime(&out.SentAt, seq.IntervalDays, seq.AllowedWeekdays, seq.SendHour, out.SentAt, seq.Location())
		next = &t
	}
	if _, err := w.contacts.RecordSent(ctx, job.ContactID, job.Step, out.SentAt, next); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	if last {
		if _, err := w.sequence.Complete(ctx, job.ContactID); err != nil {
			return fmt.Errorf("complete sequence: %w", err)
		}
	}

	logger.Info("message sent",
		"provider", out.Result.Provider,
		"message_id", msgID,
		"step", job.Step,
		"fallback", out.Content.Fallback,
	)
	return nil
}

// rescheduleAfterFailure: контакт остаётся active и получает следующий слот.
func (w *Worker) rescheduleAfterFailure(ctx context.Context, job *domain.DeliveryJob) {
	campaign, err := w.campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		w.logger.Warn("failed to load campaign for reschedule", "job_id", job.ID, "error", err)
		return
	}
	seq := campaign.Sequence
	now := w.now().UTC()
	next := scheduler.NextSendTime(&now, seq.IntervalDays, seq.AllowedWeekdays, seq.SendHour, now, seq.Location())
	if _, err := w.contacts.ScheduleNext(ctx, job.ContactID, next); err != nil {
		w.logger.Warn("failed to reschedule contact", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) publishDelayed(ctx context.Context, id uuid.UUID, delay time.Duration) {
	if w.publisher == nil {
		return
	}
	// Не критично: polling подберёт задачу после run_after.
	if err := w.publisher.PublishJobDelayed(ctx, id, delay); err != nil {
		w.logger.Warn("failed to publish delayed job", "job_id", id, "error", err)
	}
}
