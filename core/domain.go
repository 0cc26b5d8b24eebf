package core

import (
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

func ParseChannel(value string) (Channel, error) {
	switch Channel(strings.TrimSpace(strings.ToLower(value))) {
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	default:
		return "", fmt.Errorf("core: unknown channel %q", value)
	}
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelSMS:
		return true
	default:
		return false
	}
}

type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusDone    OutboxStatus = "done"
	OutboxStatusFailed  OutboxStatus = "failed"
)

const DefaultMaxAttempts = 5

// OutboxMessage is one unit of outbound work. Rows are created by producers
// and mutated only by the dispatcher: lease acquisition, attempt increments,
// and terminal transitions. Status "sending" implies LockedUntil is set; a
// row whose lease expired while still "sending" is abandoned and eligible
// for re-lease.
type OutboxMessage struct {
	ID             string
	TenantID       string
	ContactID      string
	ConversationID string
	Channel        Channel
	MessageType    string
	TemplateID     string
	Payload        map[string]any
	ScheduledAt    *time.Time
	Attempts       int
	MaxAttempts    int
	Status         OutboxStatus
	LastError      string
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EnqueueInput is the producer-facing insert contract.
type EnqueueInput struct {
	TenantID       string
	ContactID      string
	ConversationID string
	Channel        Channel
	MessageType    string
	TemplateID     string
	Payload        map[string]any
	ScheduledAt    *time.Time
	MaxAttempts    int
}

func (in EnqueueInput) Validate() error {
	if strings.TrimSpace(in.TenantID) == "" {
		return fmt.Errorf("core: tenant id is required")
	}
	if strings.TrimSpace(in.ContactID) == "" {
		return fmt.Errorf("core: contact id is required")
	}
	if !in.Channel.Valid() {
		return fmt.Errorf("core: unknown channel %q", string(in.Channel))
	}
	if in.MaxAttempts < 0 {
		return fmt.Errorf("core: max attempts must not be negative")
	}
	return nil
}

type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusOpened    MessageStatus = "opened"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusBounced   MessageStatus = "bounced"
)

// rank orders non-terminal statuses so late or out-of-order provider
// events cannot downgrade a message. Terminal statuses rank above all.
func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusQueued:
		return 0
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusOpened:
		return 3
	case MessageStatusFailed, MessageStatusBounced:
		return 4
	default:
		return 0
	}
}

func (s MessageStatus) Terminal() bool {
	return s == MessageStatusFailed || s == MessageStatusBounced
}

// Supersedes reports whether transitioning to next from s is allowed under
// the dominance order queued < sent < delivered < opened, with failed and
// bounced terminal.
func (s MessageStatus) Supersedes(next MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Message is the durable record of a sent or received communication.
type Message struct {
	ID                string
	TenantID          string
	ContactID         string
	ConversationID    string
	Channel           Channel
	Direction         MessageDirection
	Status            MessageStatus
	Provider          string
	ProviderMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventFailed    EventType = "failed"
	EventBounced   EventType = "bounced"
)

// MessageStatus maps a lifecycle event type to the message status it
// implies.
func (t EventType) MessageStatus() MessageStatus {
	switch t {
	case EventSent:
		return MessageStatusSent
	case EventDelivered:
		return MessageStatusDelivered
	case EventOpened:
		return MessageStatusOpened
	case EventFailed:
		return MessageStatusFailed
	case EventBounced:
		return MessageStatusBounced
	default:
		return MessageStatusQueued
	}
}

// MessageEvent is an immutable, append-only delivery-lifecycle fact owned by
// exactly one Message. When ProviderEventID is present, the
// (Provider, ProviderEventID) pair identifies the event uniquely; replayed
// webhook deliveries must not create a second row.
type MessageEvent struct {
	ID              string
	MessageID       string
	Type            EventType
	Provider        string
	ProviderEventID string
	Raw             map[string]any
	CreatedAt       time.Time
}

// ProviderEvent is a normalized delivery notification parsed from a provider
// webhook payload by a channel adapter, before it is bound to a Message.
type ProviderEvent struct {
	Type              EventType
	Provider          string
	ProviderEventID   string
	ProviderMessageID string
	OccurredAt        time.Time
	Raw               map[string]any
}

type FailedWebhookKind string

const (
	FailedWebhookVerification FailedWebhookKind = "verification"
	FailedWebhookProcessing   FailedWebhookKind = "processing"
)

type FailedWebhookStatus string

const (
	FailedWebhookPending FailedWebhookStatus = "pending"
	FailedWebhookDead    FailedWebhookStatus = "dead"
)

// FailedWebhook is the durable retry record for a webhook that could not be
// verified or applied. NextAttemptAt strictly increases with RetryCount; a
// record is deleted only on successful reprocessing, and past the retry
// ceiling it is marked dead for manual inspection rather than dropped.
type FailedWebhook struct {
	ID            string
	Channel       Channel
	Provider      string
	Kind          FailedWebhookKind
	Payload       []byte
	Headers       map[string]string
	LastError     string
	RetryCount    int
	NextAttemptAt time.Time
	Status        FailedWebhookStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChannelSettings is the decrypted, per-tenant view of one channel's
// provider configuration, handed to adapters at send time. At rest the
// credential payload is protected by the vault.
type ChannelSettings struct {
	TenantID    string
	Channel     Channel
	Provider    string
	Credentials map[string]string
	Metadata    map[string]any
}

func (s ChannelSettings) Credential(name string) string {
	if len(s.Credentials) == 0 {
		return ""
	}
	return strings.TrimSpace(s.Credentials[name])
}

// Contact is the minimal recipient view the dispatcher resolves for a send.
type Contact struct {
	ID          string
	TenantID    string
	PhoneNumber string
	Email       string
	Attributes  map[string]string
}

// Template references a pre-approved message template plus default content.
type Template struct {
	ID        string
	Name      string
	Language  string
	Body      string
	Variables []string
}

type SendResult struct {
	Success           bool
	Provider          string
	ProviderMessageID string
	Metadata          map[string]any
}

type WebhookResult struct {
	OK         bool
	Deduped    bool
	Reason     string
	StatusCode int
	Applied    int
	Metadata   map[string]any
}

type DispatchStats struct {
	Leased    int
	Sent      int
	Throttled int
	Deferred  int
	Retried   int
	Failed    int
}

func (s DispatchStats) merge(other DispatchStats) DispatchStats {
	return DispatchStats{
		Leased:    s.Leased + other.Leased,
		Sent:      s.Sent + other.Sent,
		Throttled: s.Throttled + other.Throttled,
		Deferred:  s.Deferred + other.Deferred,
		Retried:   s.Retried + other.Retried,
		Failed:    s.Failed + other.Failed,
	}
}
