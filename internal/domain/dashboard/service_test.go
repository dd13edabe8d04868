package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ctflow/ctflow/internal/platform/cache"
)

type mockRepo struct {
	metricsCalls int
	statusCalls  int
	recentCalls  int
	metrics      Metrics
}

func (m *mockRepo) Metrics(ctx context.Context) (*Metrics, error) {
	m.metricsCalls++
	out := m.metrics
	return &out, nil
}

func (m *mockRepo) StatusDistribution(ctx context.Context) ([]StatusCount, error) {
	m.statusCalls++
	return []StatusCount{{Status: "ordered", Count: 3}, {Status: "completed", Count: 7}}, nil
}

func (m *mockRepo) UrgencyDistribution(ctx context.Context) ([]UrgencyCount, error) {
	return []UrgencyCount{{Urgency: "immediate", Count: 1}, {Urgency: "routine", Count: 4}}, nil
}

func (m *mockRepo) ScannerLoads(ctx context.Context) ([]ScannerLoad, error) {
	return []ScannerLoad{{
		ScannerID:           uuid.New(),
		Code:                "CT-01",
		DailyCapacity:       40,
		TodayScansScheduled: 10,
		UtilizationPercent:  25,
	}}, nil
}

func (m *mockRepo) RecentScans(ctx context.Context, limit int) ([]RecentScan, error) {
	m.recentCalls++
	if limit != recentScansLimit {
		return nil, nil
	}
	return []RecentScan{{ScanID: uuid.New(), ScanNumber: "CT-20250101120000-AB12", PatientName: "Jane Doe"}}, nil
}

func newTestService() (*Service, *mockRepo) {
	repo := &mockRepo{metrics: Metrics{PatientsToday: 12, ScansToday: 9, AvgTurnaroundMinutes: 47.5}}
	return NewService(repo, cache.NewMemoryStore()), repo
}

func TestMetricsCached(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	first, err := svc.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if first.PatientsToday != 12 || first.AvgTurnaroundMinutes != 47.5 {
		t.Errorf("unexpected metrics: %+v", first)
	}

	second, err := svc.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics second call: %v", err)
	}
	if second.ScansToday != 9 {
		t.Errorf("expected 9 scans today, got %d", second.ScansToday)
	}
	if repo.metricsCalls != 1 {
		t.Errorf("expected one repo call, got %d", repo.metricsCalls)
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	if _, err := svc.Metrics(ctx); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	svc.Invalidate(ctx)
	if _, err := svc.Metrics(ctx); err != nil {
		t.Fatalf("metrics after invalidate: %v", err)
	}
	if repo.metricsCalls != 2 {
		t.Errorf("expected recompute after invalidate, got %d calls", repo.metricsCalls)
	}
}

func TestStatusDistributionPassthrough(t *testing.T) {
	svc, _ := newTestService()

	dist, err := svc.StatusDistribution(context.Background())
	if err != nil {
		t.Fatalf("status distribution: %v", err)
	}
	if len(dist) != 2 || dist[0].Status != "ordered" || dist[1].Count != 7 {
		t.Errorf("unexpected distribution: %+v", dist)
	}
}

func TestRecentScansUsesFixedLimit(t *testing.T) {
	svc, repo := newTestService()

	recent, err := svc.RecentScans(context.Background())
	if err != nil {
		t.Fatalf("recent scans: %v", err)
	}
	if len(recent) != 1 || recent[0].PatientName != "Jane Doe" {
		t.Errorf("unexpected recent scans: %+v", recent)
	}
	if repo.recentCalls != 1 {
		t.Errorf("expected one repo call, got %d", repo.recentCalls)
	}
}

func TestServiceWithoutCache(t *testing.T) {
	repo := &mockRepo{metrics: Metrics{ScansToday: 3}}
	svc := NewService(repo, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m, err := svc.Metrics(ctx)
		if err != nil {
			t.Fatalf("metrics: %v", err)
		}
		if m.ScansToday != 3 {
			t.Errorf("unexpected metrics: %+v", m)
		}
	}
	if repo.metricsCalls != 2 {
		t.Errorf("expected repo hit per call without cache, got %d", repo.metricsCalls)
	}
}

func TestSetCacheTTL(t *testing.T) {
	svc, _ := newTestService()
	svc.SetCacheTTL(0)
	if svc.ttl != defaultCacheTTL {
		t.Errorf("zero TTL must keep the default, got %v", svc.ttl)
	}
	svc.SetCacheTTL(5 * time.Second)
	if svc.ttl != 5*time.Second {
		t.Errorf("expected 5s TTL, got %v", svc.ttl)
	}
}
