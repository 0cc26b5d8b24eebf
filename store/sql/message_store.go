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

// MessageStore persists messages and their append-only event stream. Event
// idempotency over (provider, provider_event_id) is delegated to the partial
// unique index on outbound_message_events; a replayed insert surfaces as a
// unique violation and reports inserted=false.
type MessageStore struct {
	db   *bun.DB
	repo repository.Repository[*messageRecord]
}

func NewMessageStore(db *bun.DB) (*MessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*messageRecord](db, messageHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid message repository wiring: %w", err)
		}
	}
	return &MessageStore{db: db, repo: repo}, nil
}

func (s *MessageStore) RecordOutbound(ctx context.Context, msg core.OutboxMessage, result core.SendResult) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	now := time.Now().UTC()
	record := &messageRecord{
		ID:                uuid.NewString(),
		TenantID:          msg.TenantID,
		ContactID:         msg.ContactID,
		ConversationID:    msg.ConversationID,
		Channel:           string(msg.Channel),
		Direction:         string(core.DirectionOutbound),
		Status:            string(core.MessageStatusSent),
		Provider:          strings.TrimSpace(result.Provider),
		ProviderMessageID: strings.TrimSpace(result.ProviderMessageID),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	event := &messageEventRecord{
		ID:        uuid.NewString(),
		MessageID: record.ID,
		EventType: string(core.EventSent),
		Provider:  record.Provider,
		Raw:       copyAnyMap(result.Metadata),
		CreatedAt: now,
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(event).Exec(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return core.Message{}, err
	}
	return messageRecordToDomain(record), nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Message{}, fmt.Errorf("sqlstore: message id is required")
	}
	record := &messageRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Message{}, fmt.Errorf("sqlstore: message %q not found", id)
		}
		return core.Message{}, err
	}
	return messageRecordToDomain(record), nil
}

func (s *MessageStore) FindByProviderMessageID(ctx context.Context, provider string, providerMessageID string) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	provider = strings.TrimSpace(provider)
	providerMessageID = strings.TrimSpace(providerMessageID)
	if provider == "" || providerMessageID == "" {
		return core.Message{}, fmt.Errorf("sqlstore: provider and provider message id are required")
	}
	record := &messageRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", provider).
		Where("?TableAlias.provider_message_id = ?", providerMessageID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Message{}, fmt.Errorf(
				"sqlstore: no message for provider %q message id %q",
				provider,
				providerMessageID,
			)
		}
		return core.Message{}, err
	}
	return messageRecordToDomain(record), nil
}

func (s *MessageStore) AppendEvent(ctx context.Context, in core.AppendEventInput) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	messageID := strings.TrimSpace(in.MessageID)
	if messageID == "" {
		return false, fmt.Errorf("sqlstore: event message id is required")
	}
	createdAt := in.OccurredAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := &messageEventRecord{
		ID:              uuid.NewString(),
		MessageID:       messageID,
		EventType:       string(in.Type),
		Provider:        strings.TrimSpace(in.Provider),
		ProviderEventID: strings.TrimSpace(in.ProviderEventID),
		Raw:             copyAnyMap(in.Raw),
		CreatedAt:       createdAt,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AdvanceStatus applies the dominance order as a single guarded update: the
// row changes only while its stored status still ranks below next, so a
// concurrent commit between callers can never suppress a legitimate upgrade
// or downgrade the row.
func (s *MessageStore) AdvanceStatus(ctx context.Context, messageID string, next core.MessageStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: message store is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("sqlstore: message id is required")
	}

	superseded := statusesSupersededBy(next)
	if len(superseded) > 0 {
		result, err := s.db.NewUpdate().
			Model((*messageRecord)(nil)).
			Set("status = ?", string(next)).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", messageID).
			Where("status IN (?)", bun.In(superseded)).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, err := result.RowsAffected(); err == nil && affected > 0 {
			return nil
		}
	}

	// Zero rows means either the stored status already dominates next (a
	// no-op) or the message does not exist.
	exists, err := s.db.NewSelect().
		Model((*messageRecord)(nil)).
		Where("?TableAlias.id = ?", messageID).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("sqlstore: message %q not found", messageID)
	}
	return nil
}

// statusesSupersededBy lists the stored statuses next outranks.
func statusesSupersededBy(next core.MessageStatus) []string {
	candidates := []core.MessageStatus{
		core.MessageStatusQueued,
		core.MessageStatusSent,
		core.MessageStatusDelivered,
		core.MessageStatusOpened,
	}
	superseded := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Supersedes(next) {
			superseded = append(superseded, string(candidate))
		}
	}
	return superseded
}

// ListEvents returns a message's event stream oldest first.
func (s *MessageStore) ListEvents(ctx context.Context, messageID string) ([]core.MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: message store is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, fmt.Errorf("sqlstore: message id is required")
	}
	var records []messageEventRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.message_id = ?", messageID).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]core.MessageEvent, 0, len(records))
	for i := range records {
		record := records[i]
		events = append(events, core.MessageEvent{
			ID:              record.ID,
			MessageID:       record.MessageID,
			Type:            core.EventType(record.EventType),
			Provider:        record.Provider,
			ProviderEventID: record.ProviderEventID,
			Raw:             copyAnyMap(record.Raw),
			CreatedAt:       record.CreatedAt,
		})
	}
	return events, nil
}

func messageRecordToDomain(record *messageRecord) core.Message {
	if record == nil {
		return core.Message{}
	}
	return core.Message{
		ID:                record.ID,
		TenantID:          record.TenantID,
		ContactID:         record.ContactID,
		ConversationID:    record.ConversationID,
		Channel:           core.Channel(record.Channel),
		Direction:         core.MessageDirection(record.Direction),
		Status:            core.MessageStatus(record.Status),
		Provider:          record.Provider,
		ProviderMessageID: record.ProviderMessageID,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

var _ core.MessageStore = (*MessageStore)(nil)
