package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/localhands/marketplace/internal/platform/auth"
)

const (
	defaultDownloadExpiry = 5 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	// ErrPermissionDenied is returned when the caller is not a participant of the order.
	ErrPermissionDenied = errors.New("storage: permission denied")
	errNoSigner         = errors.New("storage: signer is required")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// Signer signs URL payloads on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// URLSigner issues short-lived GET URLs for archived snapshot images.
type URLSigner struct {
	signer Signer
	now    func() time.Time
}

// NewURLSigner constructs a URLSigner. clock may be nil.
func NewURLSigner(signer Signer, clock func() time.Time) (*URLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	if clock == nil {
		clock = time.Now
	}
	return &URLSigner{signer: signer, now: clock}, nil
}

// DownloadURL returns a V4 signed GET URL for ref and its expiry.
func (s *URLSigner) DownloadURL(ctx context.Context, ref ObjectRef, expiry time.Duration) (string, time.Time, error) {
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return "", time.Time{}, errExpiryTooLong
	}
	expires := s.now().Add(expiry)
	url, err := gcs.SignedURL(ref.Bucket, ref.Name, &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Method:         "GET",
		Expires:        expires,
		Scheme:         gcs.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return url, expires, nil
}

// AuthorizeOrderImages allows the order's buyer, its provider, and ops staff.
func AuthorizeOrderImages(identity *auth.Identity, buyerID, providerUserID string) error {
	if identity == nil {
		return ErrPermissionDenied
	}
	if identity.UID != "" && (identity.UID == buyerID || identity.UID == providerUserID) {
		return nil
	}
	if identity.HasRole(auth.RoleOps) {
		return nil
	}
	return ErrPermissionDenied
}

// KeySigner signs with a service account private key read from a JSON key file.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewKeySignerFromFile loads a service account JSON key.
func NewKeySignerFromFile(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account file: %w", err)
	}
	return NewKeySigner(data)
}

// NewKeySigner parses a raw service account JSON key.
func NewKeySigner(data []byte) (*KeySigner, error) {
	var raw struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("storage: decode service account json: %w", err)
	}
	if strings.TrimSpace(raw.ClientEmail) == "" || strings.TrimSpace(raw.PrivateKey) == "" {
		return nil, errors.New("storage: service account json needs client_email and private_key")
	}
	block, _ := pem.Decode([]byte(raw.PrivateKey))
	if block == nil {
		return nil, errors.New("storage: private_key is not PEM encoded")
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: strings.TrimSpace(raw.ClientEmail), key: key}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if parsed, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: private key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("storage: parse RSA private key: %w", err)
	}
	return key, nil
}

// Email implements Signer.
func (s *KeySigner) Email() string { return s.email }

// SignBytes implements Signer with RSA PKCS#1 v1.5 over SHA-256.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}
