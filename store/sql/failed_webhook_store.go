package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// FailedWebhookStore keeps the durable retry queue for webhooks that failed
// verification or processing. Records leave the table only on successful
// replay; past the retry ceiling they are parked dead, never dropped.
type FailedWebhookStore struct {
	db   *bun.DB
	repo repository.Repository[*failedWebhookRecord]
}

func NewFailedWebhookStore(db *bun.DB) (*FailedWebhookStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*failedWebhookRecord](db, failedWebhookHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid failed-webhook repository wiring: %w", err)
		}
	}
	return &FailedWebhookStore{db: db, repo: repo}, nil
}

func (s *FailedWebhookStore) Save(ctx context.Context, in core.SaveFailedWebhookInput) (core.FailedWebhook, error) {
	if s == nil || s.repo == nil {
		return core.FailedWebhook{}, fmt.Errorf("sqlstore: failed-webhook store is not configured")
	}
	if strings.TrimSpace(in.Provider) == "" {
		return core.FailedWebhook{}, fmt.Errorf("sqlstore: failed-webhook provider is required")
	}
	if in.NextAttemptAt.IsZero() {
		return core.FailedWebhook{}, fmt.Errorf("sqlstore: failed-webhook next attempt time is required")
	}

	now := time.Now().UTC()
	record := &failedWebhookRecord{
		ID:            uuid.NewString(),
		Channel:       string(in.Channel),
		Provider:      strings.TrimSpace(in.Provider),
		Kind:          string(in.Kind),
		Payload:       append([]byte(nil), in.Payload...),
		Headers:       copyStringMap(in.Headers),
		LastError:     strings.TrimSpace(in.LastError),
		RetryCount:    0,
		NextAttemptAt: in.NextAttemptAt.UTC(),
		Status:        string(core.FailedWebhookPending),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		return core.FailedWebhook{}, err
	}
	return failedWebhookToDomain(record), nil
}

func (s *FailedWebhookStore) ListDue(ctx context.Context, now time.Time, limit int) ([]core.FailedWebhook, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: failed-webhook store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []failedWebhookRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.FailedWebhookPending)).
		Where("?TableAlias.next_attempt_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.next_attempt_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.FailedWebhook, 0, len(records))
	for i := range records {
		out = append(out, failedWebhookToDomain(&records[i]))
	}
	return out, nil
}

func (s *FailedWebhookStore) MarkRetried(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: failed-webhook store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: failed-webhook id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*failedWebhookRecord)(nil)).
		Set("retry_count = retry_count + 1").
		Set("next_attempt_at = ?", nextAttemptAt.UTC()).
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *FailedWebhookStore) MarkDead(ctx context.Context, id string, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: failed-webhook store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: failed-webhook id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*failedWebhookRecord)(nil)).
		Set("status = ?", string(core.FailedWebhookDead)).
		Set("retry_count = retry_count + 1").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *FailedWebhookStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: failed-webhook store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: failed-webhook id is required")
	}
	_, err := s.db.NewDelete().
		Model((*failedWebhookRecord)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func failedWebhookToDomain(record *failedWebhookRecord) core.FailedWebhook {
	if record == nil {
		return core.FailedWebhook{}
	}
	return core.FailedWebhook{
		ID:            record.ID,
		Channel:       core.Channel(record.Channel),
		Provider:      record.Provider,
		Kind:          core.FailedWebhookKind(record.Kind),
		Payload:       append([]byte(nil), record.Payload...),
		Headers:       copyStringMap(record.Headers),
		LastError:     record.LastError,
		RetryCount:    record.RetryCount,
		NextAttemptAt: record.NextAttemptAt,
		Status:        core.FailedWebhookStatus(record.Status),
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

var _ core.FailedWebhookStore = (*FailedWebhookStore)(nil)
