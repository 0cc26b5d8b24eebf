package outbound

import (
	"context"

	"github.com/goliatone/go-outbound/core"
)

type Config = core.Config

type Option = core.Option

type Dispatcher = core.Dispatcher

type Channel = core.Channel

type ChannelAdapter = core.ChannelAdapter
type AdapterRegistry = core.AdapterRegistry
type OutboxStore = core.OutboxStore
type MessageStore = core.MessageStore
type SettingsStore = core.SettingsStore
type FailedWebhookStore = core.FailedWebhookStore
type SecretProvider = core.SecretProvider
type SendGate = core.SendGate
type MetricsRecorder = core.MetricsRecorder
type StoreProvider = core.StoreProvider

type EnqueueInput = core.EnqueueInput
type OutboxMessage = core.OutboxMessage
type Message = core.Message
type MessageEvent = core.MessageEvent
type SendResult = core.SendResult
type DispatchStats = core.DispatchStats
type WebhookResult = core.WebhookResult

const (
	ChannelWhatsApp = core.ChannelWhatsApp
	ChannelEmail    = core.ChannelEmail
	ChannelSMS      = core.ChannelSMS
)

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithErrorMapper      = core.WithErrorMapper
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithRegistry         = core.WithRegistry
	WithOutboxStore      = core.WithOutboxStore
	WithMessageStore     = core.WithMessageStore
	WithSettingsStore    = core.WithSettingsStore
	WithContactResolver  = core.WithContactResolver
	WithTemplateResolver = core.WithTemplateResolver
	WithSecretProvider   = core.WithSecretProvider
	WithSendGate         = core.WithSendGate
	WithNowFunc          = core.WithNowFunc
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	return core.NewDispatcher(cfg, opts...)
}

func Setup(ctx context.Context, cfg Config, opts ...Option) (*Dispatcher, error) {
	return core.Setup(ctx, cfg, opts...)
}
