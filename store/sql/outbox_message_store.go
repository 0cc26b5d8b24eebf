package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OutboxMessageStore is the durable outbox backing the dispatcher. Leasing is
// a single conditional UPDATE inside a transaction so concurrent workers never
// claim the same row; a "sending" row whose lock elapsed is claimable again.
type OutboxMessageStore struct {
	db   *bun.DB
	repo repository.Repository[*outboxMessageRecord]
}

func NewOutboxMessageStore(db *bun.DB) (*OutboxMessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxMessageRecord](db, outboxMessageHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxMessageStore{db: db, repo: repo}, nil
}

func (s *OutboxMessageStore) Enqueue(ctx context.Context, in core.EnqueueInput) (core.OutboxMessage, error) {
	if s == nil || s.repo == nil {
		return core.OutboxMessage{}, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.OutboxMessage{}, err
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = core.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	record := &outboxMessageRecord{
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(in.TenantID),
		ContactID:      strings.TrimSpace(in.ContactID),
		ConversationID: strings.TrimSpace(in.ConversationID),
		Channel:        string(in.Channel),
		MessageType:    strings.TrimSpace(in.MessageType),
		TemplateID:     strings.TrimSpace(in.TemplateID),
		Payload:        copyAnyMap(in.Payload),
		ScheduledAt:    copyTimePointer(in.ScheduledAt),
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		Status:         string(core.OutboxStatusQueued),
		LastError:      "",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := s.repo.Create(ctx, record); err != nil {
		return core.OutboxMessage{}, err
	}
	return outboxRecordToDomain(record), nil
}

func (s *OutboxMessageStore) Lease(ctx context.Context, limit int, leaseFor time.Duration) ([]core.OutboxMessage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	lockedUntil := now.Add(leaseFor)

	var records []outboxMessageRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimable AS (
	SELECT id
	FROM outbound_outbox_messages
	WHERE (status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?))
	   OR (status = ? AND locked_until IS NOT NULL AND locked_until < ?)
	ORDER BY created_at ASC
	LIMIT ?
)
UPDATE outbound_outbox_messages
SET status = ?, locked_until = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimable)
  AND (status = ? OR (status = ? AND locked_until < ?))
RETURNING
	id,
	tenant_id,
	contact_id,
	conversation_id,
	channel,
	message_type,
	template_id,
	payload,
	scheduled_at,
	attempts,
	max_attempts,
	status,
	last_error,
	locked_until,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			string(core.OutboxStatusQueued),
			now,
			string(core.OutboxStatusSending),
			now,
			limit,
			string(core.OutboxStatusSending),
			lockedUntil,
			now,
			string(core.OutboxStatusQueued),
			string(core.OutboxStatusSending),
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	messages := make([]core.OutboxMessage, 0, len(records))
	for i := range records {
		messages = append(messages, outboxRecordToDomain(&records[i]))
	}
	return messages, nil
}

func (s *OutboxMessageStore) Complete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: outbox message id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxMessageRecord)(nil)).
		Set("status = ?", string(core.OutboxStatusDone)).
		Set("attempts = attempts + 1").
		Set("locked_until = NULL").
		Set("last_error = ?", "").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *OutboxMessageStore) Retry(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: outbox message id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxMessageRecord)(nil)).
		Set("status = ?", string(core.OutboxStatusQueued)).
		Set("attempts = attempts + 1").
		Set("scheduled_at = ?", nextAttemptAt.UTC()).
		Set("locked_until = NULL").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *OutboxMessageStore) Fail(ctx context.Context, id string, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: outbox message id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxMessageRecord)(nil)).
		Set("status = ?", string(core.OutboxStatusFailed)).
		Set("attempts = attempts + 1").
		Set("locked_until = NULL").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// Release returns a leased message to the queue without counting an attempt.
func (s *OutboxMessageStore) Release(ctx context.Context, id string, scheduledAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: outbox message id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxMessageRecord)(nil)).
		Set("status = ?", string(core.OutboxStatusQueued)).
		Set("scheduled_at = ?", scheduledAt.UTC()).
		Set("locked_until = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *OutboxMessageStore) Get(ctx context.Context, id string) (core.OutboxMessage, error) {
	if s == nil || s.db == nil {
		return core.OutboxMessage{}, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.OutboxMessage{}, fmt.Errorf("sqlstore: outbox message id is required")
	}
	record := &outboxMessageRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.OutboxMessage{}, fmt.Errorf("sqlstore: outbox message %q not found", id)
		}
		return core.OutboxMessage{}, err
	}
	return outboxRecordToDomain(record), nil
}

func outboxRecordToDomain(record *outboxMessageRecord) core.OutboxMessage {
	if record == nil {
		return core.OutboxMessage{}
	}
	return core.OutboxMessage{
		ID:             record.ID,
		TenantID:       record.TenantID,
		ContactID:      record.ContactID,
		ConversationID: record.ConversationID,
		Channel:        core.Channel(record.Channel),
		MessageType:    record.MessageType,
		TemplateID:     record.TemplateID,
		Payload:        copyAnyMap(record.Payload),
		ScheduledAt:    copyTimePointer(record.ScheduledAt),
		Attempts:       record.Attempts,
		MaxAttempts:    record.MaxAttempts,
		Status:         core.OutboxStatus(record.Status),
		LastError:      record.LastError,
		LockedUntil:    copyTimePointer(record.LockedUntil),
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	return strings.TrimSpace(cause.Error())
}

var _ core.OutboxStore = (*OutboxMessageStore)(nil)
