package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) healthPayload {
	t.Helper()
	var body healthPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health payload: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2026.03.1", CommitSHA: "9f3c2ab", Environment: "staging", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(90 * time.Second) }),
		// liveness must not consult dependencies even when they are down
		WithHealthSystemService(&stubSystemService{err: errors.New("firestore unreachable")}),
	)

	rr := serve(NewRouter(WithHealthHandlers(h)), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeHealth(t, rr)
	if body.Status != domain.HealthStatusOK || body.Version != "2026.03.1" || body.CommitSHA != "9f3c2ab" || body.Environment != "staging" {
		t.Fatalf("unexpected build info %+v", body)
	}
	if body.Uptime != "1m30s" {
		t.Fatalf("expected uptime 1m30s, got %s", body.Uptime)
	}
}

func TestReadyzReflectsDependencyChecks(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	cases := []struct {
		name        string
		system      *stubSystemService
		wantCode    int
		wantStatus  string
		wantDetails []string
	}{
		{
			name: "all dependencies up",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 8 * time.Millisecond, CheckedAt: now},
					"pubsub":    {Status: domain.HealthStatusOK, CheckedAt: now},
				},
			}},
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "payment gateway breaker open",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"stripe":    {Status: domain.HealthStatusDegraded, Error: "circuit open"},
				},
			}},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusDegraded,
			wantDetails: []string{"stripe: circuit open"},
		},
		{
			name:        "report unavailable",
			system:      &stubSystemService{err: errors.New("health repository timeout")},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusError,
			wantDetails: []string{"health repository timeout"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.system), WithHealthClock(func() time.Time { return now }))
			rr := serve(NewRouter(WithHealthHandlers(h)), httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rr.Code)
			}
			body := decodeHealth(t, rr)
			if body.Status != tc.wantStatus {
				t.Fatalf("expected status %s, got %s", tc.wantStatus, body.Status)
			}
			if len(body.Details) != len(tc.wantDetails) {
				t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
			}
			for i := range tc.wantDetails {
				if body.Details[i] != tc.wantDetails[i] {
					t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
				}
			}
			for name, check := range tc.system.report.Checks {
				if body.Checks[name].Status != check.Status {
					t.Fatalf("check %s: expected %s, got %s", name, check.Status, body.Checks[name].Status)
				}
			}
		})
	}
}

func TestReadyzWithoutSystemServiceFallsBackToLiveness(t *testing.T) {
	rr := serve(NewRouter(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeHealth(t, rr); body.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", body.Status)
	}
}
