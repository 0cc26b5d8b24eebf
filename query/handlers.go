package query

import (
	"context"
	"time"

	"github.com/goliatone/go-outbound/core"
)

// MessageReader is the read-side slice of core.MessageStore.
type MessageReader interface {
	Get(ctx context.Context, id string) (core.Message, error)
	FindByProviderMessageID(ctx context.Context, provider string, providerMessageID string) (core.Message, error)
}

// MessageEventsReader lists the append-only event stream for a message,
// oldest first. The SQL message store satisfies it.
type MessageEventsReader interface {
	ListEvents(ctx context.Context, messageID string) ([]core.MessageEvent, error)
}

// FailedWebhookReader is the read-side slice of core.FailedWebhookStore.
type FailedWebhookReader interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]core.FailedWebhook, error)
}

// OutboxReader is the read-side slice of core.OutboxStore.
type OutboxReader interface {
	Get(ctx context.Context, id string) (core.OutboxMessage, error)
}

type GetMessageQuery struct {
	reader MessageReader
}

func NewGetMessageQuery(reader MessageReader) *GetMessageQuery {
	return &GetMessageQuery{reader: reader}
}

func (q *GetMessageQuery) Query(ctx context.Context, msg GetMessageMessage) (core.Message, error) {
	if q == nil || q.reader == nil {
		return core.Message{}, queryDependencyError("query: message reader is required")
	}
	return q.reader.Get(ctx, msg.MessageID)
}

type FindMessageByProviderRefQuery struct {
	reader MessageReader
}

func NewFindMessageByProviderRefQuery(reader MessageReader) *FindMessageByProviderRefQuery {
	return &FindMessageByProviderRefQuery{reader: reader}
}

func (q *FindMessageByProviderRefQuery) Query(
	ctx context.Context,
	msg FindMessageByProviderRefMessage,
) (core.Message, error) {
	if q == nil || q.reader == nil {
		return core.Message{}, queryDependencyError("query: message reader is required")
	}
	return q.reader.FindByProviderMessageID(ctx, msg.Provider, msg.ProviderMessageID)
}

type ListMessageEventsQuery struct {
	reader MessageEventsReader
}

func NewListMessageEventsQuery(reader MessageEventsReader) *ListMessageEventsQuery {
	return &ListMessageEventsQuery{reader: reader}
}

func (q *ListMessageEventsQuery) Query(
	ctx context.Context,
	msg ListMessageEventsMessage,
) ([]core.MessageEvent, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: message events reader is required")
	}
	return q.reader.ListEvents(ctx, msg.MessageID)
}

type ListDueWebhooksQuery struct {
	reader FailedWebhookReader
	now    func() time.Time
}

func NewListDueWebhooksQuery(reader FailedWebhookReader) *ListDueWebhooksQuery {
	return &ListDueWebhooksQuery{
		reader: reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *ListDueWebhooksQuery) Query(
	ctx context.Context,
	msg ListDueWebhooksMessage,
) ([]core.FailedWebhook, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: failed webhook reader is required")
	}
	now := msg.Now
	if now.IsZero() {
		now = q.now()
	}
	return q.reader.ListDue(ctx, now, msg.Limit)
}

type GetOutboxMessageQuery struct {
	reader OutboxReader
}

func NewGetOutboxMessageQuery(reader OutboxReader) *GetOutboxMessageQuery {
	return &GetOutboxMessageQuery{reader: reader}
}

func (q *GetOutboxMessageQuery) Query(
	ctx context.Context,
	msg GetOutboxMessageMessage,
) (core.OutboxMessage, error) {
	if q == nil || q.reader == nil {
		return core.OutboxMessage{}, queryDependencyError("query: outbox reader is required")
	}
	return q.reader.Get(ctx, msg.OutboxID)
}
