package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ChannelSettingsStore holds per-tenant channel configuration. Credential
// payloads are written and read as ciphertext; the vault opens them at the
// dispatch boundary, never here.
type ChannelSettingsStore struct {
	db   *bun.DB
	repo repository.Repository[*channelSettingsRecord]
}

func NewChannelSettingsStore(db *bun.DB) (*ChannelSettingsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*channelSettingsRecord](db, channelSettingsHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid channel settings repository wiring: %w", err)
		}
	}
	return &ChannelSettingsStore{db: db, repo: repo}, nil
}

func (s *ChannelSettingsStore) Get(ctx context.Context, tenantID string, channel core.Channel) (core.EncryptedChannelSettings, error) {
	if s == nil || s.db == nil {
		return core.EncryptedChannelSettings{}, fmt.Errorf("sqlstore: channel settings store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return core.EncryptedChannelSettings{}, fmt.Errorf("sqlstore: tenant id is required")
	}
	if !channel.Valid() {
		return core.EncryptedChannelSettings{}, fmt.Errorf("sqlstore: unknown channel %q", string(channel))
	}

	record := &channelSettingsRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.channel = ?", string(channel)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.EncryptedChannelSettings{}, fmt.Errorf(
				"sqlstore: no %s settings for tenant %q",
				string(channel),
				tenantID,
			)
		}
		return core.EncryptedChannelSettings{}, err
	}
	return core.EncryptedChannelSettings{
		TenantID:            record.TenantID,
		Channel:             core.Channel(record.Channel),
		Provider:            record.Provider,
		EncryptedCredential: append([]byte(nil), record.EncryptedCredential...),
		Metadata:            copyAnyMap(record.Metadata),
	}, nil
}

// Put inserts or replaces a tenant's settings for one channel. One row per
// (tenant, channel); callers hand in the credential payload already sealed.
func (s *ChannelSettingsStore) Put(ctx context.Context, settings core.EncryptedChannelSettings) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: channel settings store is not configured")
	}
	tenantID := strings.TrimSpace(settings.TenantID)
	if tenantID == "" {
		return fmt.Errorf("sqlstore: tenant id is required")
	}
	if !settings.Channel.Valid() {
		return fmt.Errorf("sqlstore: unknown channel %q", string(settings.Channel))
	}
	if strings.TrimSpace(settings.Provider) == "" {
		return fmt.Errorf("sqlstore: settings provider is required")
	}

	now := time.Now().UTC()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &channelSettingsRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.tenant_id = ?", tenantID).
			Where("?TableAlias.channel = ?", string(settings.Channel)).
			Limit(1).
			Scan(ctx)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == sql.ErrNoRows {
			record := &channelSettingsRecord{
				ID:                  uuid.NewString(),
				TenantID:            tenantID,
				Channel:             string(settings.Channel),
				Provider:            strings.TrimSpace(settings.Provider),
				EncryptedCredential: append([]byte(nil), settings.EncryptedCredential...),
				Metadata:            copyAnyMap(settings.Metadata),
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
			return insertErr
		}

		existing.Provider = strings.TrimSpace(settings.Provider)
		existing.EncryptedCredential = append([]byte(nil), settings.EncryptedCredential...)
		existing.Metadata = copyAnyMap(settings.Metadata)
		existing.UpdatedAt = now
		_, updateErr := tx.NewUpdate().
			Model(existing).
			Where("id = ?", existing.ID).
			Exec(ctx)
		return updateErr
	})
}

var _ core.SettingsStore = (*ChannelSettingsStore)(nil)
