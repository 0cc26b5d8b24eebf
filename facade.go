package outbound

import (
	"fmt"

	outboundcommand "github.com/goliatone/go-outbound/command"
	outboundquery "github.com/goliatone/go-outbound/query"
)

// Commands bundles the go-command wrappers for every mutating operation so a
// host application can register them against its own dispatcher in one pass.
type Commands struct {
	EnqueueMessage    *outboundcommand.EnqueueMessageCommand
	DispatchPending   *outboundcommand.DispatchPendingCommand
	IngestWebhook     *outboundcommand.IngestWebhookCommand
	ReprocessWebhooks *outboundcommand.ReprocessWebhooksCommand
}

// Queries bundles the read-side wrappers. Entries stay nil unless the
// corresponding reader was supplied.
type Queries struct {
	GetMessage               *outboundquery.GetMessageQuery
	FindMessageByProviderRef *outboundquery.FindMessageByProviderRefQuery
	ListMessageEvents        *outboundquery.ListMessageEventsQuery
	ListDueWebhooks          *outboundquery.ListDueWebhooksQuery
	GetOutboxMessage         *outboundquery.GetOutboxMessageQuery
}

type Facade struct {
	messaging outboundcommand.MessagingService
	commands  Commands
	queries   Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	ingest        outboundcommand.WebhookIngestService
	reprocess     outboundcommand.WebhookReprocessService
	messageReader outboundquery.MessageReader
	eventsReader  outboundquery.MessageEventsReader
	webhookReader outboundquery.FailedWebhookReader
	outboxReader  outboundquery.OutboxReader
}

func WithWebhookIngest(service outboundcommand.WebhookIngestService) FacadeOption {
	return func(options *facadeOptions) {
		options.ingest = service
	}
}

func WithWebhookReprocess(service outboundcommand.WebhookReprocessService) FacadeOption {
	return func(options *facadeOptions) {
		options.reprocess = service
	}
}

func WithMessageReader(reader outboundquery.MessageReader) FacadeOption {
	return func(options *facadeOptions) {
		options.messageReader = reader
	}
}

func WithMessageEventsReader(reader outboundquery.MessageEventsReader) FacadeOption {
	return func(options *facadeOptions) {
		options.eventsReader = reader
	}
}

func WithFailedWebhookReader(reader outboundquery.FailedWebhookReader) FacadeOption {
	return func(options *facadeOptions) {
		options.webhookReader = reader
	}
}

func WithOutboxReader(reader outboundquery.OutboxReader) FacadeOption {
	return func(options *facadeOptions) {
		options.outboxReader = reader
	}
}

// NewFacade wires command and query wrappers around the messaging runtime.
// Webhook commands and the read side are only populated when the matching
// service or reader is provided.
func NewFacade(messaging outboundcommand.MessagingService, opts ...FacadeOption) (*Facade, error) {
	if messaging == nil {
		return nil, fmt.Errorf("outbound: messaging service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	facade := &Facade{messaging: messaging}
	facade.commands = Commands{
		EnqueueMessage:  outboundcommand.NewEnqueueMessageCommand(messaging),
		DispatchPending: outboundcommand.NewDispatchPendingCommand(messaging),
	}
	if cfg.ingest != nil {
		facade.commands.IngestWebhook = outboundcommand.NewIngestWebhookCommand(cfg.ingest)
	}
	if cfg.reprocess != nil {
		facade.commands.ReprocessWebhooks = outboundcommand.NewReprocessWebhooksCommand(cfg.reprocess)
	}

	if cfg.messageReader != nil {
		facade.queries.GetMessage = outboundquery.NewGetMessageQuery(cfg.messageReader)
		facade.queries.FindMessageByProviderRef = outboundquery.NewFindMessageByProviderRefQuery(cfg.messageReader)
	}
	if cfg.eventsReader != nil {
		facade.queries.ListMessageEvents = outboundquery.NewListMessageEventsQuery(cfg.eventsReader)
	}
	if cfg.webhookReader != nil {
		facade.queries.ListDueWebhooks = outboundquery.NewListDueWebhooksQuery(cfg.webhookReader)
	}
	if cfg.outboxReader != nil {
		facade.queries.GetOutboxMessage = outboundquery.NewGetOutboxMessageQuery(cfg.outboxReader)
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Messaging() outboundcommand.MessagingService {
	if f == nil {
		return nil
	}
	return f.messaging
}
