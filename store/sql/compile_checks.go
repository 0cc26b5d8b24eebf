package sqlstore

import (
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/query"
	"github.com/goliatone/go-outbound/ratelimit"
)

var (
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)

	_ core.OutboxStore        = (*OutboxMessageStore)(nil)
	_ core.MessageStore       = (*MessageStore)(nil)
	_ core.FailedWebhookStore = (*FailedWebhookStore)(nil)
	_ core.SettingsStore      = (*ChannelSettingsStore)(nil)

	_ ratelimit.SnapshotStore = (*RateLimitSnapshotStore)(nil)
	_ ratelimit.SnapshotStore = (*CachedRateLimitSnapshotStore)(nil)

	_ query.MessageReader       = (*MessageStore)(nil)
	_ query.MessageEventsReader = (*MessageStore)(nil)
	_ query.FailedWebhookReader = (*FailedWebhookStore)(nil)
	_ query.OutboxReader        = (*OutboxMessageStore)(nil)
)
