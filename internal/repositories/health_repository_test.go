package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
)

func TestProbeHealthRepositoryCollectSuccess(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewProbeHealthRepository([]Probe{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{Name: "payments", Optional: true, Check: func(context.Context) error { return nil }},
	}, WithProbeClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || check.CheckedAt != now {
			t.Fatalf("unexpected check %s: %+v", name, check)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestProbeHealthRepositoryOptionalFailureDegrades(t *testing.T) {
	boom := errors.New("stripe unreachable")
	repo, err := NewProbeHealthRepository([]Probe{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "payments", Optional: true, Check: func(context.Context) error { return boom }},
	})
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
	check := report.Checks["payments"]
	if check.Status != domain.HealthStatusDegraded || check.Error != boom.Error() {
		t.Fatalf("unexpected payments check %+v", check)
	}
}

func TestProbeHealthRepositoryRequiredTimeoutFails(t *testing.T) {
	repo, err := NewProbeHealthRepository([]Probe{
		{
			Name:    "firestore",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if check := report.Checks["firestore"]; check.Detail != "timeout" {
		t.Fatalf("expected detail timeout, got %+v", check)
	}
}

func TestNewProbeHealthRepositoryValidatesProbes(t *testing.T) {
	ok := func(context.Context) error { return nil }
	cases := map[string][]Probe{
		"empty":     nil,
		"no name":   {{Check: ok}},
		"no check":  {{Name: "firestore"}},
		"duplicate": {{Name: "firestore", Check: ok}, {Name: "firestore", Check: ok}},
	}
	for name, probes := range cases {
		if _, err := NewProbeHealthRepository(probes); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
