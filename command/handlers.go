package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/webhooks"
)

// MessagingService is the mutating surface of the outbox runtime. The
// core.Dispatcher satisfies it directly.
type MessagingService interface {
	Enqueue(ctx context.Context, in core.EnqueueInput) (core.OutboxMessage, error)
	DispatchCycle(ctx context.Context) (core.DispatchStats, error)
}

// WebhookIngestService is satisfied by *webhooks.Reconciler.
type WebhookIngestService interface {
	Ingest(ctx context.Context, provider string, body []byte, headers map[string]string) (core.WebhookResult, error)
}

// WebhookReprocessService is satisfied by *webhooks.Reprocessor.
type WebhookReprocessService interface {
	Run(ctx context.Context) (webhooks.ReprocessStats, error)
}

type EnqueueMessageCommand struct {
	service MessagingService
}

func NewEnqueueMessageCommand(service MessagingService) *EnqueueMessageCommand {
	return &EnqueueMessageCommand{service: service}
}

func (c *EnqueueMessageCommand) Execute(ctx context.Context, msg EnqueueMessageMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: messaging service is required")
	}
	out, err := c.service.Enqueue(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DispatchPendingCommand struct {
	service MessagingService
}

func NewDispatchPendingCommand(service MessagingService) *DispatchPendingCommand {
	return &DispatchPendingCommand{service: service}
}

func (c *DispatchPendingCommand) Execute(ctx context.Context, _ DispatchPendingMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: messaging service is required")
	}
	stats, err := c.service.DispatchCycle(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, stats)
	return nil
}

type IngestWebhookCommand struct {
	service WebhookIngestService
}

func NewIngestWebhookCommand(service WebhookIngestService) *IngestWebhookCommand {
	return &IngestWebhookCommand{service: service}
}

func (c *IngestWebhookCommand) Execute(ctx context.Context, msg IngestWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook ingest service is required")
	}
	out, err := c.service.Ingest(ctx, msg.Provider, msg.Body, msg.Headers)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReprocessWebhooksCommand struct {
	service WebhookReprocessService
}

func NewReprocessWebhooksCommand(service WebhookReprocessService) *ReprocessWebhooksCommand {
	return &ReprocessWebhooksCommand{service: service}
}

func (c *ReprocessWebhooksCommand) Execute(ctx context.Context, _ ReprocessWebhooksMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook reprocess service is required")
	}
	stats, err := c.service.Run(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, stats)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
