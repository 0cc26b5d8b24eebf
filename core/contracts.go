package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// ChannelAdapter is the contract each provider integration satisfies. One
// adapter serves one channel/provider pair; the registry dispatches on the
// channel enum. Send calls receive the decrypted per-tenant settings and
// must bound their provider I/O by the context deadline.
type ChannelAdapter interface {
	Channel() Channel
	Provider() string

	SendText(ctx context.Context, settings ChannelSettings, contact Contact, text string, meta map[string]any) (SendResult, error)
	SendTemplate(ctx context.Context, settings ChannelSettings, contact Contact, template Template, vars map[string]string, meta map[string]any) (SendResult, error)
	ValidateTemplate(template Template) error
	ParseWebhook(body []byte, headers map[string]string) ([]ProviderEvent, error)
}

type AdapterRegistry interface {
	Register(adapter ChannelAdapter) error
	Get(channel Channel) (ChannelAdapter, bool)
	GetByProvider(provider string) (ChannelAdapter, bool)
	List() []ChannelAdapter
}

// OutboxStore drains the durable outbox. Lease must be a single conditional
// state transition so no two workers claim the same row; a row in "sending"
// whose locked_until elapsed is eligible again (crash recovery).
type OutboxStore interface {
	Enqueue(ctx context.Context, in EnqueueInput) (OutboxMessage, error)
	Lease(ctx context.Context, limit int, leaseFor time.Duration) ([]OutboxMessage, error)
	// Complete marks a leased message done and clears the lease.
	Complete(ctx context.Context, id string) error
	// Retry releases a leased message back to queued with the attempt
	// counted and the next eligibility pushed to nextAttemptAt.
	Retry(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error
	// Fail terminally fails a leased message with the attempt counted.
	Fail(ctx context.Context, id string, cause error) error
	// Release returns a leased message to queued without counting an
	// attempt; used for throttled and quiet-hours deferrals.
	Release(ctx context.Context, id string, scheduledAt time.Time) error
	Get(ctx context.Context, id string) (OutboxMessage, error)
}

type AppendEventInput struct {
	MessageID       string
	Type            EventType
	Provider        string
	ProviderEventID string
	Raw             map[string]any
	OccurredAt      time.Time
}

// MessageStore persists messages and their append-only event stream.
// AppendEvent is idempotent over (provider, provider_event_id): a replayed
// event reports inserted=false and leaves the stream untouched. Status
// updates follow the dominance order; terminal statuses are never
// downgraded.
type MessageStore interface {
	RecordOutbound(ctx context.Context, msg OutboxMessage, result SendResult) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	FindByProviderMessageID(ctx context.Context, provider string, providerMessageID string) (Message, error)
	AppendEvent(ctx context.Context, in AppendEventInput) (inserted bool, err error)
	AdvanceStatus(ctx context.Context, messageID string, next MessageStatus) error
}

type SaveFailedWebhookInput struct {
	Channel       Channel
	Provider      string
	Kind          FailedWebhookKind
	Payload       []byte
	Headers       map[string]string
	LastError     string
	NextAttemptAt time.Time
}

// FailedWebhookStore keeps durable retry records for webhooks that failed
// verification or processing.
type FailedWebhookStore interface {
	Save(ctx context.Context, in SaveFailedWebhookInput) (FailedWebhook, error)
	// ListDue returns pending records whose next attempt elapsed, ordered
	// by next_attempt_at ascending.
	ListDue(ctx context.Context, now time.Time, limit int) ([]FailedWebhook, error)
	// MarkRetried pushes the record to its next backoff slot.
	MarkRetried(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error
	// MarkDead parks the record for manual inspection.
	MarkDead(ctx context.Context, id string, cause error) error
	Delete(ctx context.Context, id string) error
}

// SettingsStore resolves per-tenant channel configuration. Read-only at send
// time; credential payloads come back still encrypted and are opened by the
// vault at the dispatch boundary.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string, channel Channel) (EncryptedChannelSettings, error)
}

// EncryptedChannelSettings is the at-rest form of ChannelSettings.
type EncryptedChannelSettings struct {
	TenantID            string
	Channel             Channel
	Provider            string
	EncryptedCredential []byte
	Metadata            map[string]any
}

// ContactResolver resolves the recipient for an outbox message. Contact
// persistence itself is an external concern.
type ContactResolver interface {
	Resolve(ctx context.Context, tenantID string, contactID string) (Contact, error)
}

// TemplateResolver resolves a template reference for template sends.
type TemplateResolver interface {
	Resolve(ctx context.Context, tenantID string, templateID string) (Template, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// GateDecision is the rate-limiter verdict consulted before every send.
type GateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	// DeferredUntil is set when quiet hours apply; the send is rescheduled,
	// not throttled.
	DeferredUntil *time.Time
}

type SendGate interface {
	Acquire(ctx context.Context, tenantID string, scope string, now time.Time) (GateDecision, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type StoreProvider interface {
	OutboxStore() OutboxStore
	MessageStore() MessageStore
	FailedWebhookStore() FailedWebhookStore
	SettingsStore() SettingsStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}
