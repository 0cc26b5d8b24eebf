package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type outboxMessageRecord struct {
	bun.BaseModel `bun:"table:outbound_outbox_messages,alias:oom"`

	ID             string         `bun:"id,pk"`
	TenantID       string         `bun:"tenant_id,notnull"`
	ContactID      string         `bun:"contact_id,notnull"`
	ConversationID string         `bun:"conversation_id"`
	Channel        string         `bun:"channel,notnull"`
	MessageType    string         `bun:"message_type"`
	TemplateID     string         `bun:"template_id"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	ScheduledAt    *time.Time     `bun:"scheduled_at,nullzero"`
	Attempts       int            `bun:"attempts,notnull"`
	MaxAttempts    int            `bun:"max_attempts,notnull"`
	Status         string         `bun:"status,notnull"`
	LastError      string         `bun:"last_error,notnull"`
	LockedUntil    *time.Time     `bun:"locked_until,nullzero"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type messageRecord struct {
	bun.BaseModel `bun:"table:outbound_messages,alias:om"`

	ID                string    `bun:"id,pk"`
	TenantID          string    `bun:"tenant_id,notnull"`
	ContactID         string    `bun:"contact_id,notnull"`
	ConversationID    string    `bun:"conversation_id"`
	Channel           string    `bun:"channel,notnull"`
	Direction         string    `bun:"direction,notnull"`
	Status            string    `bun:"status,notnull"`
	Provider          string    `bun:"provider"`
	ProviderMessageID string    `bun:"provider_message_id"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type messageEventRecord struct {
	bun.BaseModel `bun:"table:outbound_message_events,alias:ome"`

	ID              string         `bun:"id,pk"`
	MessageID       string         `bun:"message_id,notnull"`
	EventType       string         `bun:"event_type,notnull"`
	Provider        string         `bun:"provider"`
	ProviderEventID string         `bun:"provider_event_id"`
	Raw             map[string]any `bun:"raw,type:jsonb,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type failedWebhookRecord struct {
	bun.BaseModel `bun:"table:outbound_failed_webhooks,alias:ofw"`

	ID            string            `bun:"id,pk"`
	Channel       string            `bun:"channel,notnull"`
	Provider      string            `bun:"provider,notnull"`
	Kind          string            `bun:"kind,notnull"`
	Payload       []byte            `bun:"payload"`
	Headers       map[string]string `bun:"headers,type:jsonb,notnull"`
	LastError     string            `bun:"last_error,notnull"`
	RetryCount    int               `bun:"retry_count,notnull"`
	NextAttemptAt time.Time         `bun:"next_attempt_at,notnull"`
	Status        string            `bun:"status,notnull"`
	CreatedAt     time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type channelSettingsRecord struct {
	bun.BaseModel `bun:"table:outbound_channel_settings,alias:ocs"`

	ID                  string         `bun:"id,pk"`
	TenantID            string         `bun:"tenant_id,notnull"`
	Channel             string         `bun:"channel,notnull"`
	Provider            string         `bun:"provider,notnull"`
	EncryptedCredential []byte         `bun:"encrypted_credential,notnull"`
	Metadata            map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt           time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitSnapshotRecord struct {
	bun.BaseModel `bun:"table:outbound_rate_limit_snapshots,alias:orls"`

	ID        string    `bun:"id,pk"`
	TenantID  string    `bun:"tenant_id,notnull"`
	Scope     string    `bun:"scope,notnull"`
	Hits      []string  `bun:"hits,type:jsonb,notnull"`
	Version   int64     `bun:"version,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
