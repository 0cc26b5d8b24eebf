package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/webhooks"
)

var (
	_ gocmd.Commander[EnqueueMessageMessage]    = (*EnqueueMessageCommand)(nil)
	_ gocmd.Commander[DispatchPendingMessage]   = (*DispatchPendingCommand)(nil)
	_ gocmd.Commander[IngestWebhookMessage]     = (*IngestWebhookCommand)(nil)
	_ gocmd.Commander[ReprocessWebhooksMessage] = (*ReprocessWebhooksCommand)(nil)

	_ MessagingService        = (*core.Dispatcher)(nil)
	_ WebhookIngestService    = (*webhooks.Reconciler)(nil)
	_ WebhookReprocessService = (*webhooks.Reprocessor)(nil)
)
