package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// DefaultTTL is the default duration that idempotency records are retained.
	DefaultTTL = 24 * time.Hour
	// StatusPending means a request holds the key and has not produced a response yet.
	StatusPending Status = "pending"
	// StatusCompleted means the response is stored and will be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve an idempotency key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and must run the request.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is currently processing this key.
	ReservationStatePending
)

// Reservation is the result of reserving a key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response represents the HTTP response that should be stored for future replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists idempotency reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Replayable reports whether a response may be stored and replayed. Server errors and
// throttling are transient, so the key is released and the client may retry with it.
func Replayable(status int) bool {
	return status < http.StatusInternalServerError && status != http.StatusTooManyRequests
}

func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// reserve decides Reserve against the stored record. When write is true the returned
// reservation's record replaces whatever is stored.
func reserve(stored Record, found bool, key, fingerprint string, now time.Time, ttl time.Duration) (res Reservation, write bool, err error) {
	if !found || stored.expired(now) {
		return Reservation{
			State: ReservationStateNew,
			Record: Record{
				Key:         key,
				Fingerprint: fingerprint,
				Status:      StatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			},
		}, true, nil
	}
	switch {
	case stored.Fingerprint != fingerprint:
		return Reservation{}, false, ErrFingerprintMismatch
	case stored.Status == StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: stored}, false, nil
	default:
		return Reservation{State: ReservationStatePending, Record: stored}, false, nil
	}
}

// complete builds the record SaveResponse persists. A key saved without a prior
// reservation starts a fresh record.
func complete(stored Record, found bool, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if found && stored.Fingerprint != fingerprint {
		return Record{}, ErrFingerprintMismatch
	}
	if !found {
		stored = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	stored.Status = StatusCompleted
	stored.ResponseStatus = resp.Status
	stored.ResponseHeaders = sanitizeHeaders(resp.Headers)
	stored.ResponseBody = nil
	if len(resp.Body) > 0 {
		stored.ResponseBody = append([]byte(nil), resp.Body...)
	}
	stored.UpdatedAt = now
	stored.ExpiresAt = now.Add(ttl)
	return stored, nil
}

// releasable reports whether Release may drop the stored record. Only a pending
// reservation taken by the same request body is freed; a saved response outlives a
// late release from a retried request.
func releasable(stored Record, found bool, fingerprint string) bool {
	return found && stored.Status == StatusPending && stored.Fingerprint == fingerprint
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeHeaders(header http.Header) map[string][]string {
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if shouldOmitHeader(canonical) {
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func shouldOmitHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailers", "transfer-encoding", "upgrade", "x-request-id", "x-cloud-trace-context":
		return true
	default:
		return false
	}
}
