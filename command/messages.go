package command

import (
	"strings"

	"github.com/goliatone/go-outbound/core"
)

const (
	TypeEnqueueMessage    = "outbound.command.message.enqueue"
	TypeDispatchPending   = "outbound.command.outbox.dispatch"
	TypeIngestWebhook     = "outbound.command.webhook.ingest"
	TypeReprocessWebhooks = "outbound.command.webhook.reprocess"
)

type EnqueueMessageMessage struct {
	Input core.EnqueueInput
}

func (EnqueueMessageMessage) Type() string { return TypeEnqueueMessage }

func (m EnqueueMessageMessage) Validate() error {
	return commandWrapValidation(m.Input.Validate(), "command: enqueue input is invalid")
}

// DispatchPendingMessage triggers one bounded dispatch cycle. It carries no
// payload; batch size and lease TTL come from the dispatcher configuration.
type DispatchPendingMessage struct{}

func (DispatchPendingMessage) Type() string { return TypeDispatchPending }

type IngestWebhookMessage struct {
	Provider string
	Body     []byte
	Headers  map[string]string
}

func (IngestWebhookMessage) Type() string { return TypeIngestWebhook }

func (m IngestWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return commandInvalidInputError("command: webhook provider is required")
	}
	if len(m.Body) == 0 {
		return commandInvalidInputError("command: webhook body is required")
	}
	return nil
}

type ReprocessWebhooksMessage struct{}

func (ReprocessWebhooksMessage) Type() string { return TypeReprocessWebhooks }
