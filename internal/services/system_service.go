package services

import (
	"cmp"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type paymentBreakerState interface {
	State() string
}

type pendingTimers interface {
	Pending() int
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	PaymentBreaker   paymentBreakerState
	Scheduler        pendingTimers
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	breaker    paymentBreakerState
	scheduler  pendingTimers
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness reporter. Only the health repository is
// required; the payment breaker and timer scheduler add checks when present.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		healthRepo: deps.HealthRepository,
		breaker:    deps.PaymentBreaker,
		scheduler:  deps.Scheduler,
		clock:      func() time.Time { return clock().UTC() },
		build:      build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = cmp.Or(strings.TrimSpace(report.Version), s.build.Version)
	report.CommitSHA = cmp.Or(strings.TrimSpace(report.CommitSHA), s.build.CommitSHA)
	report.Environment = cmp.Or(strings.TrimSpace(report.Environment), s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	checks := make(map[string]domain.SystemHealthCheck, len(report.Checks)+2)
	for name, check := range report.Checks {
		checks[name] = check
	}
	// An open breaker degrades the service; orders can still be read and cancelled.
	if s.breaker != nil {
		state := s.breaker.State()
		check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "breaker " + state, CheckedAt: now}
		if state != "closed" {
			check.Status = domain.HealthStatusDegraded
		}
		checks["payments"] = check
	}
	if s.scheduler != nil {
		checks["autocomplete"] = domain.SystemHealthCheck{
			Status:    domain.HealthStatusOK,
			Detail:    strconv.Itoa(s.scheduler.Pending()) + " timers armed",
			CheckedAt: now,
		}
	}
	report.Checks = checks

	status := strings.TrimSpace(report.Status)
	for _, check := range checks {
		status = worseStatus(status, check.Status)
	}
	report.Status = cmp.Or(status, domain.HealthStatusOK)
	return report, nil
}

var healthSeverity = map[string]int{
	"":                          0,
	domain.HealthStatusOK:       0,
	domain.HealthStatusDegraded: 1,
	domain.HealthStatusError:    2,
}

// worseStatus returns the more severe of two statuses. Unknown values rank as degraded.
func worseStatus(a, b string) string {
	rank := func(s string) int {
		if r, ok := healthSeverity[s]; ok {
			return r
		}
		return 1
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
