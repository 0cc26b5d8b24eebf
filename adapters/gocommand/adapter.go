// Package gocommand wires the outbound command and query set into
// go-command: a registry adapter with queue-resolver support, dispatcher
// subscription helpers, and one-shot registration of the messaging commands.
package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	outboundcommand "github.com/goliatone/go-outbound/command"
)

// MessagingQueueResolverKey names the resolver that mirrors outbound.*
// command types into a go-job queue registry.
const MessagingQueueResolverKey = "outbound.queue"

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// RegistryAdapter wraps a go-command registry so the messaging runtime can
// register its commands and attach queue resolvers through one surface.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

// AddMessagingQueueResolver mirrors the registered outbound command types
// into a go-job queue registry under the standard resolver key.
func (a *RegistryAdapter) AddMessagingQueueResolver(queueRegistry *jobqueuecommand.Registry) error {
	return a.AddQueueResolver(MessagingQueueResolverKey, queueRegistry)
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// MessagingServices bundles the runtime services behind the outbound
// command set. Messaging is required; the webhook services are optional and
// their commands are skipped when absent.
type MessagingServices struct {
	Messaging outboundcommand.MessagingService
	Ingest    outboundcommand.WebhookIngestService
	Reprocess outboundcommand.WebhookReprocessService
}

// MessagingSubscriptions holds the dispatcher subscriptions produced by
// RegisterMessagingCommands. Entries for unwired services stay nil.
type MessagingSubscriptions struct {
	EnqueueMessage    commanddispatcher.Subscription
	DispatchPending   commanddispatcher.Subscription
	IngestWebhook     commanddispatcher.Subscription
	ReprocessWebhooks commanddispatcher.Subscription
}

// Unsubscribe removes every live subscription.
func (s *MessagingSubscriptions) Unsubscribe() {
	if s == nil {
		return
	}
	for _, subscription := range []commanddispatcher.Subscription{
		s.EnqueueMessage,
		s.DispatchPending,
		s.IngestWebhook,
		s.ReprocessWebhooks,
	} {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterMessagingCommands builds the outbound command set over the given
// services and registers plus subscribes each command in one pass. On any
// failure the already-created subscriptions are removed before returning.
func RegisterMessagingCommands(
	adapter *RegistryAdapter,
	services MessagingServices,
	runnerOpts ...runner.Option,
) (*MessagingSubscriptions, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if services.Messaging == nil {
		return nil, fmt.Errorf("gocommand: messaging service is required")
	}

	subscriptions := &MessagingSubscriptions{}

	enqueue, err := RegisterAndSubscribe(adapter, outboundcommand.NewEnqueueMessageCommand(services.Messaging), runnerOpts...)
	if err != nil {
		return nil, err
	}
	subscriptions.EnqueueMessage = enqueue

	dispatch, err := RegisterAndSubscribe(adapter, outboundcommand.NewDispatchPendingCommand(services.Messaging), runnerOpts...)
	if err != nil {
		subscriptions.Unsubscribe()
		return nil, err
	}
	subscriptions.DispatchPending = dispatch

	if services.Ingest != nil {
		ingest, err := RegisterAndSubscribe(adapter, outboundcommand.NewIngestWebhookCommand(services.Ingest), runnerOpts...)
		if err != nil {
			subscriptions.Unsubscribe()
			return nil, err
		}
		subscriptions.IngestWebhook = ingest
	}
	if services.Reprocess != nil {
		reprocess, err := RegisterAndSubscribe(adapter, outboundcommand.NewReprocessWebhooksCommand(services.Reprocess), runnerOpts...)
		if err != nil {
			subscriptions.Unsubscribe()
			return nil, err
		}
		subscriptions.ReprocessWebhooks = reprocess
	}

	return subscriptions, nil
}
