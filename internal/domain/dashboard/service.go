package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ctflow/ctflow/internal/platform/cache"
)

const (
	keyMetrics  = "dashboard:metrics"
	keyStatus   = "dashboard:status"
	keyUrgency  = "dashboard:urgency"
	keyScanners = "dashboard:scanners"
	keyRecent   = "dashboard:recent"

	defaultCacheTTL  = 30 * time.Second
	recentScansLimit = 10
)

// Service serves the dashboard aggregates behind a short Redis cache so a
// wall of open dashboards does not hammer the aggregate queries.
type Service struct {
	repo  Repository
	cache cache.Store
	ttl   time.Duration
}

func NewService(repo Repository, store cache.Store) *Service {
	return &Service{repo: repo, cache: store, ttl: defaultCacheTTL}
}

// SetCacheTTL overrides how long aggregates stay cached.
func (s *Service) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// cached loads the key from the cache, falling back to compute and
// repopulating on a miss. Cache failures degrade to computing every
// request; the dashboard never errors because Redis is away.
func (s *Service) cached(ctx context.Context, key string, dest interface{}, compute func(context.Context) (interface{}, error)) error {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			if err := json.Unmarshal([]byte(raw), dest); err == nil {
				return nil
			}
		}
	}

	val, err := compute(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, string(raw), s.ttl)
	}
	return json.Unmarshal(raw, dest)
}

func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	err := s.cached(ctx, keyMetrics, &m, func(ctx context.Context) (interface{}, error) {
		return s.repo.Metrics(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) StatusDistribution(ctx context.Context) ([]StatusCount, error) {
	var out []StatusCount
	err := s.cached(ctx, keyStatus, &out, func(ctx context.Context) (interface{}, error) {
		return s.repo.StatusDistribution(ctx)
	})
	return out, err
}

func (s *Service) UrgencyDistribution(ctx context.Context) ([]UrgencyCount, error) {
	var out []UrgencyCount
	err := s.cached(ctx, keyUrgency, &out, func(ctx context.Context) (interface{}, error) {
		return s.repo.UrgencyDistribution(ctx)
	})
	return out, err
}

func (s *Service) ScannerLoads(ctx context.Context) ([]ScannerLoad, error) {
	var out []ScannerLoad
	err := s.cached(ctx, keyScanners, &out, func(ctx context.Context) (interface{}, error) {
		return s.repo.ScannerLoads(ctx)
	})
	return out, err
}

func (s *Service) RecentScans(ctx context.Context) ([]RecentScan, error) {
	var out []RecentScan
	err := s.cached(ctx, keyRecent, &out, func(ctx context.Context) (interface{}, error) {
		return s.repo.RecentScans(ctx, recentScansLimit)
	})
	return out, err
}

// Invalidate drops all cached aggregates. Wired as a transition sink so
// the dashboard refreshes promptly after lifecycle changes instead of
// waiting out the TTL.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, keyMetrics, keyStatus, keyUrgency, keyScanners, keyRecent)
}
