package query

import (
	"strings"
	"time"
)

const (
	TypeGetMessage        = "outbound.query.message.get"
	TypeFindMessageByRef  = "outbound.query.message.find_by_provider_ref"
	TypeListMessageEvents = "outbound.query.message.events.list"
	TypeListDueWebhooks   = "outbound.query.webhooks.due.list"
	TypeGetOutboxMessage  = "outbound.query.outbox.get"
)

type GetMessageMessage struct {
	MessageID string
}

func (GetMessageMessage) Type() string { return TypeGetMessage }

func (m GetMessageMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return queryInvalidInputError("query: message id is required")
	}
	return nil
}

type FindMessageByProviderRefMessage struct {
	Provider          string
	ProviderMessageID string
}

func (FindMessageByProviderRefMessage) Type() string { return TypeFindMessageByRef }

func (m FindMessageByProviderRefMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return queryInvalidInputError("query: provider is required")
	}
	if strings.TrimSpace(m.ProviderMessageID) == "" {
		return queryInvalidInputError("query: provider message id is required")
	}
	return nil
}

type ListMessageEventsMessage struct {
	MessageID string
}

func (ListMessageEventsMessage) Type() string { return TypeListMessageEvents }

func (m ListMessageEventsMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return queryInvalidInputError("query: message id is required")
	}
	return nil
}

// ListDueWebhooksMessage pages the failed-webhook backlog. A zero Now means
// "due as of the reader's clock"; Limit caps the page size.
type ListDueWebhooksMessage struct {
	Now   time.Time
	Limit int
}

func (ListDueWebhooksMessage) Type() string { return TypeListDueWebhooks }

func (m ListDueWebhooksMessage) Validate() error {
	if m.Limit < 0 {
		return queryInvalidInputError("query: limit must be >= 0")
	}
	return nil
}

type GetOutboxMessageMessage struct {
	OutboxID string
}

func (GetOutboxMessageMessage) Type() string { return TypeGetOutboxMessage }

func (m GetOutboxMessageMessage) Validate() error {
	if strings.TrimSpace(m.OutboxID) == "" {
		return queryInvalidInputError("query: outbox id is required")
	}
	return nil
}
