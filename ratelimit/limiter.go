package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
)

var (
	ErrSnapshotNotFound = errors.New("ratelimit: snapshot not found")
	ErrVersionConflict  = errors.New("ratelimit: snapshot version conflict")
)

// Policy is the per-tenant sending policy for one scope. A zero Limit means
// the scope is unmetered. Quiet hours are expressed as local wall-clock
// bounds in the tenant's timezone; an empty QuietStart disables them.
type Policy struct {
	Limit      int
	Window     time.Duration
	QuietStart string
	QuietEnd   string
	Timezone   string
}

func (p Policy) quietHoursEnabled() bool {
	return strings.TrimSpace(p.QuietStart) != "" && strings.TrimSpace(p.QuietEnd) != ""
}

type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID string, scope string) (Policy, error)
}

// StaticPolicyResolver serves one policy for every tenant, with optional
// per-tenant overrides.
type StaticPolicyResolver struct {
	Default   Policy
	Overrides map[string]Policy
}

func (r StaticPolicyResolver) Resolve(_ context.Context, tenantID string, _ string) (Policy, error) {
	if policy, ok := r.Overrides[strings.TrimSpace(tenantID)]; ok {
		return policy, nil
	}
	return r.Default, nil
}

var _ PolicyResolver = StaticPolicyResolver{}

// Snapshot is the persisted window state for one (tenant, scope) pair. Hits
// holds the admission timestamps still inside the window, oldest first.
// Version guards concurrent writers: a save must carry the version it read.
type Snapshot struct {
	TenantID  string
	Scope     string
	Hits      []time.Time
	Version   int64
	UpdatedAt time.Time
}

type SnapshotStore interface {
	Get(ctx context.Context, tenantID string, scope string) (Snapshot, error)
	// Save persists the snapshot when its Version matches the stored one and
	// returns the stored state with the version advanced; a stale version
	// fails with ErrVersionConflict.
	Save(ctx context.Context, snapshot Snapshot) (Snapshot, error)
}

type ThrottledError struct {
	TenantID   string
	Scope      string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: tenant %q scope %q throttled for %s",
		strings.TrimSpace(e.TenantID),
		strings.TrimSpace(e.Scope),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"tenant_id": strings.TrimSpace(e.TenantID),
		"scope":     strings.TrimSpace(e.Scope),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.MessagingErrorRateLimited).
		WithMetadata(metadata)
}

const saveRetries = 3

// Limiter admits sends against a sliding window and defers them during quiet
// hours. It implements core.SendGate. Admission is check-and-record in one
// step: an allowed decision has already consumed a slot.
type Limiter struct {
	Store    SnapshotStore
	Policies PolicyResolver
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLimiter(store SnapshotStore, policies PolicyResolver) *Limiter {
	return &Limiter{
		Store:    store,
		Policies: policies,
		Now:      func() time.Time { return time.Now().UTC() },
		locks:    map[string]*sync.Mutex{},
	}
}

func (l *Limiter) Acquire(ctx context.Context, tenantID string, scope string, now time.Time) (core.GateDecision, error) {
	if l == nil || l.Store == nil {
		return core.GateDecision{Allowed: true}, nil
	}
	if now.IsZero() {
		now = l.now()
	}
	now = now.UTC()

	policy := Policy{}
	if l.Policies != nil {
		resolved, err := l.Policies.Resolve(ctx, tenantID, scope)
		if err != nil {
			return core.GateDecision{}, fmt.Errorf("ratelimit: resolve policy: %w", err)
		}
		policy = resolved
	}

	if policy.quietHoursEnabled() {
		if resumeAt, quiet, err := quietHoursResume(policy, now); err != nil {
			return core.GateDecision{}, err
		} else if quiet {
			return core.GateDecision{Allowed: false, DeferredUntil: &resumeAt}, nil
		}
	}

	if policy.Limit <= 0 || policy.Window <= 0 {
		return core.GateDecision{Allowed: true}, nil
	}

	unlock := l.lockKey(tenantID, scope)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		snapshot, err := l.Store.Get(ctx, tenantID, scope)
		if err != nil {
			if !errors.Is(err, ErrSnapshotNotFound) {
				return core.GateDecision{}, fmt.Errorf("ratelimit: load snapshot: %w", err)
			}
			snapshot = Snapshot{TenantID: tenantID, Scope: scope}
		}

		hits := evictExpired(snapshot.Hits, now.Add(-policy.Window))
		if len(hits) >= policy.Limit {
			retryAfter := hits[0].Add(policy.Window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return core.GateDecision{Allowed: false, RetryAfter: retryAfter}, nil
		}

		snapshot.Hits = append(hits, now)
		snapshot.UpdatedAt = now
		if _, err := l.Store.Save(ctx, snapshot); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return core.GateDecision{}, fmt.Errorf("ratelimit: save snapshot: %w", err)
		}
		return core.GateDecision{Allowed: true}, nil
	}
	return core.GateDecision{}, fmt.Errorf("ratelimit: snapshot contention not resolved: %w", lastErr)
}

// DecisionError converts a denying decision into the typed throttle error.
// Deferred decisions report the deferral as a retry hint.
func DecisionError(tenantID string, scope string, decision core.GateDecision, now time.Time) error {
	if decision.Allowed {
		return nil
	}
	retryAfter := decision.RetryAfter
	if decision.DeferredUntil != nil {
		retryAfter = decision.DeferredUntil.Sub(now)
	}
	return ThrottledError{TenantID: tenantID, Scope: scope, RetryAfter: retryAfter}
}

func (l *Limiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Limiter) lockKey(tenantID string, scope string) func() {
	key := strings.TrimSpace(tenantID) + "|" + strings.TrimSpace(scope)
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func evictExpired(hits []time.Time, cutoff time.Time) []time.Time {
	if len(hits) == 0 {
		return nil
	}
	sorted := make([]time.Time, len(hits))
	copy(sorted, hits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i].After(cutoff) })
	return sorted[idx:]
}

// quietHoursResume reports whether now falls inside the policy's quiet
// window and, when it does, the instant sending resumes. Windows may wrap
// midnight (22:00 to 07:00).
func quietHoursResume(policy Policy, now time.Time) (time.Time, bool, error) {
	location := time.UTC
	if tz := strings.TrimSpace(policy.Timezone); tz != "" {
		loaded, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("ratelimit: invalid timezone %q: %w", tz, err)
		}
		location = loaded
	}

	start, err := parseClock(policy.QuietStart)
	if err != nil {
		return time.Time{}, false, err
	}
	end, err := parseClock(policy.QuietEnd)
	if err != nil {
		return time.Time{}, false, err
	}

	local := now.In(location)
	minutes := local.Hour()*60 + local.Minute()

	inWindow := false
	if start <= end {
		inWindow = minutes >= start && minutes < end
	} else {
		inWindow = minutes >= start || minutes < end
	}
	if !inWindow {
		return time.Time{}, false, nil
	}

	resume := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, location)
	if !resume.After(local) {
		resume = resume.AddDate(0, 0, 1)
	}
	return resume.UTC(), true, nil
}

func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: invalid quiet-hours bound %q: %w", value, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// MemorySnapshotStore is the in-process store used by tests and
// single-instance deployments.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{items: map[string]Snapshot{}}
}

func (s *MemorySnapshotStore) Get(_ context.Context, tenantID string, scope string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, fmt.Errorf("ratelimit: snapshot store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.items[snapshotKey(tenantID, scope)]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	snapshot.Hits = append([]time.Time(nil), snapshot.Hits...)
	return snapshot, nil
}

func (s *MemorySnapshotStore) Save(_ context.Context, snapshot Snapshot) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, fmt.Errorf("ratelimit: snapshot store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(snapshot.TenantID, snapshot.Scope)
	existing, ok := s.items[key]
	if ok && existing.Version != snapshot.Version {
		return Snapshot{}, ErrVersionConflict
	}
	snapshot.Version++
	snapshot.Hits = append([]time.Time(nil), snapshot.Hits...)
	s.items[key] = snapshot
	return snapshot, nil
}

func snapshotKey(tenantID string, scope string) string {
	return strings.TrimSpace(tenantID) + "|" + strings.TrimSpace(scope)
}

var (
	_ core.SendGate = (*Limiter)(nil)
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
)
