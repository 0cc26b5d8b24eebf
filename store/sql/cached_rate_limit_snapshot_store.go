package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const rateLimitSnapshotCacheKeyPrefix = "go-outbound::ratelimit_snapshot::v1"

// CachedRateLimitSnapshotStore puts a read-through cache in front of the SQL
// snapshot store. Saves always hit the base store first, then invalidate, so
// the CAS version check stays authoritative.
type CachedRateLimitSnapshotStore struct {
	base  ratelimit.SnapshotStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitSnapshotStore(
	base ratelimit.SnapshotStore,
	cacheService repositorycache.CacheService,
) (*CachedRateLimitSnapshotStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit snapshot store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitSnapshotStore{base: base, cache: cacheService}, nil
}

// RateLimitSnapshotCacheKey returns the deterministic cache key contract for
// snapshot reads: go-outbound::ratelimit_snapshot::v1::<tenant>::<scope>
// with each segment URL-path escaped.
func RateLimitSnapshotCacheKey(tenantID string, scope string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	scope = strings.TrimSpace(scope)
	if tenantID == "" || scope == "" {
		return "", fmt.Errorf("sqlstore: rate-limit tenant id and scope are required")
	}
	return strings.Join([]string{
		rateLimitSnapshotCacheKeyPrefix,
		url.PathEscape(tenantID),
		url.PathEscape(scope),
	}, "::"), nil
}

func (s *CachedRateLimitSnapshotStore) Get(ctx context.Context, tenantID string, scope string) (ratelimit.Snapshot, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: cached rate-limit snapshot store is not configured")
	}
	cacheKey, err := RateLimitSnapshotCacheKey(tenantID, scope)
	if err != nil {
		return ratelimit.Snapshot{}, err
	}

	snapshot, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.Snapshot, error) {
		fetched, fetchErr := s.base.Get(ctx, tenantID, scope)
		if fetchErr != nil {
			return ratelimit.Snapshot{}, fetchErr
		}
		return cloneSnapshot(fetched), nil
	})
	if err != nil {
		return ratelimit.Snapshot{}, err
	}
	return cloneSnapshot(snapshot), nil
}

func (s *CachedRateLimitSnapshotStore) Save(ctx context.Context, snapshot ratelimit.Snapshot) (ratelimit.Snapshot, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.Snapshot{}, fmt.Errorf("sqlstore: cached rate-limit snapshot store is not configured")
	}
	saved, err := s.base.Save(ctx, snapshot)
	if err != nil {
		return ratelimit.Snapshot{}, err
	}

	cacheKey, keyErr := RateLimitSnapshotCacheKey(saved.TenantID, saved.Scope)
	if keyErr != nil {
		return ratelimit.Snapshot{}, keyErr
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return ratelimit.Snapshot{}, err
	}
	return saved, nil
}

func cloneSnapshot(snapshot ratelimit.Snapshot) ratelimit.Snapshot {
	cloned := snapshot
	cloned.Hits = append([]time.Time(nil), snapshot.Hits...)
	return cloned
}

var _ ratelimit.SnapshotStore = (*CachedRateLimitSnapshotStore)(nil)
