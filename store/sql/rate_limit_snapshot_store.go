package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/ratelimit"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitSnapshotStore persists sliding-window state. Save is a CAS on the
// version column: an insert races on the (tenant, scope) unique index and an
// update matches zero rows when the stored version moved, both surfacing as
// ratelimit.ErrVersionConflict so the limiter re-reads and retries.
type RateLimitSnapshotStore struct {
	db *bun.DB
}

func NewRateLimitSnapshotStore(db *bun.DB) (*RateLimitSnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitSnapshotStore{db: db}, nil
}

func (s *RateLimitSnapshotStore) Get(ctx context.Context, tenantID string, scope string) (ratelimit.Snapshot, error) {
	if s == nil || s.db == nil {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: rate-limit snapshot store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	scope = strings.TrimSpace(scope)
	if tenantID == "" || scope == "" {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: rate-limit tenant id and scope are required")
	}

	record := &rateLimitSnapshotRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.scope = ?", scope).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return ratelimit.Snapshot{}, ratelimit.ErrSnapshotNotFound
		}
		return ratelimit.Snapshot{}, err
	}
	return snapshotRecordToDomain(record)
}

func (s *RateLimitSnapshotStore) Save(ctx context.Context, snapshot ratelimit.Snapshot) (ratelimit.Snapshot, error) {
	if s == nil || s.db == nil {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: rate-limit snapshot store is not configured")
	}
	tenantID := strings.TrimSpace(snapshot.TenantID)
	scope := strings.TrimSpace(snapshot.Scope)
	if tenantID == "" || scope == "" {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: rate-limit tenant id and scope are required")
	}

	updatedAt := snapshot.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	hits := encodeHits(snapshot.Hits)

	if snapshot.Version == 0 {
		record := &rateLimitSnapshotRecord{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Scope:     scope,
			Hits:      hits,
			Version:   1,
			CreatedAt: updatedAt,
			UpdatedAt: updatedAt,
		}
		if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return ratelimit.Snapshot{}, ratelimit.ErrVersionConflict
			}
			return ratelimit.Snapshot{}, err
		}
		return snapshotRecordToDomain(record)
	}

	result, err := s.db.NewUpdate().
		Model((*rateLimitSnapshotRecord)(nil)).
		Set("hits = ?", hits).
		Set("version = version + 1").
		Set("updated_at = ?", updatedAt).
		Where("tenant_id = ?", tenantID).
		Where("scope = ?", scope).
		Where("version = ?", snapshot.Version).
		Exec(ctx)
	if err != nil {
		return ratelimit.Snapshot{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ratelimit.Snapshot{}, err
	}
	if affected == 0 {
		return ratelimit.Snapshot{}, ratelimit.ErrVersionConflict
	}

	saved := snapshot
	saved.TenantID = tenantID
	saved.Scope = scope
	saved.Version = snapshot.Version + 1
	saved.UpdatedAt = updatedAt
	return saved, nil
}

// encodeHits keeps the limiter's oldest-first ordering.
func encodeHits(hits []time.Time) []string {
	encoded := make([]string, 0, len(hits))
	for _, hit := range hits {
		encoded = append(encoded, hit.UTC().Format(time.RFC3339Nano))
	}
	return encoded
}

func snapshotRecordToDomain(record *rateLimitSnapshotRecord) (ratelimit.Snapshot, error) {
	if record == nil {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: rate-limit snapshot record is nil")
	}
	hits := make([]time.Time, 0, len(record.Hits))
	for _, raw := range record.Hits {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: decode rate-limit hit %q: %w", raw, err)
		}
		hits = append(hits, parsed.UTC())
	}
	return ratelimit.Snapshot{
		TenantID:  record.TenantID,
		Scope:     record.Scope,
		Hits:      hits,
		Version:   record.Version,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

var _ ratelimit.SnapshotStore = (*RateLimitSnapshotStore)(nil)
