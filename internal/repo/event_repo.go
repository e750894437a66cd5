package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Outbound/internal/domain"
)

// EventRepo: журнал входящих уведомлений провайдера.
//
// Уникальность (provider, provider_event_id) делает приём идемпотентным,
// а условный claim гарантирует, что событие применяется один раз.
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

const eventColumns = `
	id, provider, provider_event_id, kind, payload, received_at, claimed_at,
	processed_at, attempts, last_error`

// Insert сохраняет событие. false: событие с таким id уже получено.
func (r *EventRepo) Insert(ctx context.Context, ev *domain.InboundEvent) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO inbound_events (id, provider, provider_event_id, kind, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, ev.ID, ev.Provider, ev.ProviderEventID, string(ev.Kind), []byte(ev.Payload), ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert inbound event: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetByID возвращает событие по ID.
func (r *EventRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.InboundEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM inbound_events WHERE id = $1`
	return scanEvent(r.pool.QueryRow(ctx, query, id))
}

// Claim захватывает необработанное событие. Захват старше leaseBefore считается потерянным.
func (r *EventRepo) Claim(ctx context.Context, id uuid.UUID, leaseBefore time.Time) (*domain.InboundEvent, bool, error) {
	query := `
		UPDATE inbound_events
		SET claimed_at = NOW(), attempts = attempts + 1
		WHERE id = $1
		  AND processed_at IS NULL
		  AND (claimed_at IS NULL OR claimed_at < $2)
		RETURNING ` + eventColumns
	ev, err := scanEvent(r.pool.QueryRow(ctx, query, id, leaseBefore))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim inbound event: %w", err)
	}
	return ev, true, nil
}

// MarkProcessed помечает событие обработанным.
func (r *EventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE inbound_events
		SET processed_at = NOW(), last_error = $2
		WHERE id = $1 AND processed_at IS NULL
	`, id, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// Release снимает захват после ошибки, чтобы событие обработали повторно.
func (r *EventRepo) Release(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE inbound_events
		SET claimed_at = NULL, last_error = $2
		WHERE id = $1 AND processed_at IS NULL
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

// ListPending возвращает необработанные события в порядке получения.
func (r *EventRepo) ListPending(ctx context.Context, leaseBefore time.Time, limit int) ([]domain.InboundEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM inbound_events
		WHERE processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY received_at ASC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, leaseBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []domain.InboundEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// Prune удаляет события, обработанные раньше before.
func (r *EventRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM inbound_events WHERE processed_at IS NOT NULL AND processed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (*domain.InboundEvent, error) {
	var ev domain.InboundEvent
	var kind string
	var payload []byte
	var lastError *string

	err := row.Scan(
		&ev.ID,
		&ev.Provider,
		&ev.ProviderEventID,
		&kind,
		&payload,
		&ev.ReceivedAt,
		&ev.ClaimedAt,
		&ev.ProcessedAt,
		&ev.Attempts,
		&lastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan inbound event: %w", err)
	}
	ev.Kind = domain.InboundEventKind(kind)
	ev.Payload = payload
	ev.LastError = deref(lastError)
	return &ev, nil
}
