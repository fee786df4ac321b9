package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles the collaborators of the readiness service. CacheFor keeps a
// report for that long so frequent readiness checks do not hit Firestore and Redis each time;
// zero disables caching.
type SystemServiceDeps struct {
	Health   repositories.HealthRepository
	Clock    func() time.Time
	Build    BuildInfo
	CacheFor time.Duration
}

type systemService struct {
	health   repositories.HealthRepository
	clock    func() time.Time
	build    BuildInfo
	cacheFor time.Duration

	inflight singleflight.Group
	mu       sync.Mutex
	cached   domain.SystemHealthReport
	cachedAt time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock().UTC()
	}
	return &systemService{
		health:   deps.Health,
		clock:    func() time.Time { return clock().UTC() },
		build:    build,
		cacheFor: deps.CacheFor,
	}, nil
}

// HealthReport returns the dependency report stamped with build metadata. Concurrent callers
// share one collection; a failed collection is never cached.
func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("system service: context is required")
	}
	now := s.clock()
	if report, ok := s.fresh(now); ok {
		return s.stamp(report, now), nil
	}

	v, err, _ := s.inflight.Do("health", func() (any, error) {
		report, err := s.health.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if report.Status == "" {
			report.Status = overallStatus(report.Checks)
		}
		if report.GeneratedAt.IsZero() {
			report.GeneratedAt = s.clock()
		}
		s.mu.Lock()
		s.cached, s.cachedAt = report, s.clock()
		s.mu.Unlock()
		return report, nil
	})
	if err != nil {
		return domain.SystemHealthReport{}, err
	}
	return s.stamp(v.(domain.SystemHealthReport), now), nil
}

func (s *systemService) Build() BuildInfo {
	return s.build
}

func (s *systemService) fresh(now time.Time) (domain.SystemHealthReport, bool) {
	if s.cacheFor <= 0 {
		return domain.SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedAt.IsZero() || now.Sub(s.cachedAt) >= s.cacheFor {
		return domain.SystemHealthReport{}, false
	}
	return s.cached, true
}

func (s *systemService) stamp(report domain.SystemHealthReport, now time.Time) domain.SystemHealthReport {
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	report.Uptime = now.Sub(s.build.StartedAt)
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	return report
}

// overallStatus is used when the repository leaves Status empty: any error wins, then degraded.
func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
