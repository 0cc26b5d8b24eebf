package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/ratelimit"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory wires every SQL-backed store over one bun handle and
// exposes them through core.StoreProvider.
type RepositoryFactory struct {
	db *bun.DB

	outboxStore            *OutboxMessageStore
	messageStore           *MessageStore
	failedWebhookStore     *FailedWebhookStore
	channelSettingsStore   *ChannelSettingsStore
	rateLimitSnapshotStore *RateLimitSnapshotStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.outboxStore != nil && f.messageStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) OutboxStore() core.OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) MessageStore() core.MessageStore {
	if f == nil {
		return nil
	}
	return f.messageStore
}

func (f *RepositoryFactory) FailedWebhookStore() core.FailedWebhookStore {
	if f == nil {
		return nil
	}
	return f.failedWebhookStore
}

func (f *RepositoryFactory) SettingsStore() core.SettingsStore {
	if f == nil {
		return nil
	}
	return f.channelSettingsStore
}

// ChannelSettingsStore exposes the concrete settings store for callers that
// need the write side (Put) in addition to the core.SettingsStore reads.
func (f *RepositoryFactory) ChannelSettingsStore() *ChannelSettingsStore {
	if f == nil {
		return nil
	}
	return f.channelSettingsStore
}

func (f *RepositoryFactory) RateLimitSnapshotStore() ratelimit.SnapshotStore {
	if f == nil {
		return nil
	}
	return f.rateLimitSnapshotStore
}

func (f *RepositoryFactory) initStores() error {
	outboxStore, err := NewOutboxMessageStore(f.db)
	if err != nil {
		return err
	}
	f.outboxStore = outboxStore
	messageStore, err := NewMessageStore(f.db)
	if err != nil {
		return err
	}
	f.messageStore = messageStore
	failedWebhookStore, err := NewFailedWebhookStore(f.db)
	if err != nil {
		return err
	}
	f.failedWebhookStore = failedWebhookStore
	channelSettingsStore, err := NewChannelSettingsStore(f.db)
	if err != nil {
		return err
	}
	f.channelSettingsStore = channelSettingsStore
	rateLimitSnapshotStore, err := NewRateLimitSnapshotStore(f.db)
	if err != nil {
		return err
	}
	f.rateLimitSnapshotStore = rateLimitSnapshotStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
