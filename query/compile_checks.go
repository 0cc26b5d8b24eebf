package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-outbound/core"
)

var (
	_ gocmd.Querier[GetMessageMessage, core.Message]               = (*GetMessageQuery)(nil)
	_ gocmd.Querier[FindMessageByProviderRefMessage, core.Message] = (*FindMessageByProviderRefQuery)(nil)
	_ gocmd.Querier[ListMessageEventsMessage, []core.MessageEvent] = (*ListMessageEventsQuery)(nil)
	_ gocmd.Querier[ListDueWebhooksMessage, []core.FailedWebhook]  = (*ListDueWebhooksQuery)(nil)
	_ gocmd.Querier[GetOutboxMessageMessage, core.OutboxMessage]   = (*GetOutboxMessageQuery)(nil)
)
