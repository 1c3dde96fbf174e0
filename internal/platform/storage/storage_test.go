package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/localhands/marketplace/internal/platform/auth"
)

type fakeCopier struct {
	mu     sync.Mutex
	copies map[string]string
	failOn string
}

func (f *fakeCopier) Copy(_ context.Context, src, dst ObjectRef) error {
	if src.Name == f.failOn {
		return errors.New("copy failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copies == nil {
		f.copies = map[string]string{}
	}
	f.copies[dst.String()] = src.String()
	return nil
}

func TestParseObjectRef(t *testing.T) {
	ref, err := ParseObjectRef("gs://listing-media/items/svc-1/cover.jpg", "default")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Bucket != "listing-media" || ref.Name != "items/svc-1/cover.jpg" {
		t.Fatalf("unexpected ref %+v", ref)
	}

	ref, err = ParseObjectRef("/items/svc-1/cover.jpg", "listing-default")
	if err != nil || ref.Bucket != "listing-default" || ref.Name != "items/svc-1/cover.jpg" {
		t.Fatalf("bare name should use default bucket, got %+v err=%v", ref, err)
	}

	for _, raw := range []string{"", "gs://bucket-only", "items/../secret", "cover.jpg"} {
		bucket := "b"
		if raw == "cover.jpg" {
			bucket = ""
		}
		if _, err := ParseObjectRef(raw, bucket); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestArchiveImagesPreservesOrder(t *testing.T) {
	copier := &fakeCopier{}
	archiver, err := NewImageArchiver(copier, "listing-media", "order-archive", WithCopyConcurrency(2))
	if err != nil {
		t.Fatalf("NewImageArchiver: %v", err)
	}

	archived, err := archiver.ArchiveImages(context.Background(), "ord_1", []string{
		"items/svc-1/cover.jpg",
		"gs://other/items/svc-1/cover.jpg",
		"items/svc-1/detail.png",
	})
	if err != nil {
		t.Fatalf("ArchiveImages: %v", err)
	}
	want := []string{
		"gs://order-archive/orders/ord_1/snapshot/00-cover.jpg",
		"gs://order-archive/orders/ord_1/snapshot/01-cover.jpg",
		"gs://order-archive/orders/ord_1/snapshot/02-detail.png",
	}
	if strings.Join(archived, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected archive refs %v", archived)
	}
	if src := copier.copies[want[1]]; src != "gs://other/items/svc-1/cover.jpg" {
		t.Fatalf("expected second copy from explicit bucket, got %s", src)
	}
}

func TestArchiveImagesFailsWholeBatch(t *testing.T) {
	archiver, err := NewImageArchiver(&fakeCopier{failOn: "items/b.jpg"}, "listing-media", "order-archive")
	if err != nil {
		t.Fatalf("NewImageArchiver: %v", err)
	}
	archived, err := archiver.ArchiveImages(context.Background(), "ord_1", []string{"items/a.jpg", "items/b.jpg"})
	if err == nil || archived != nil {
		t.Fatalf("expected failure without partial result, got %v %v", archived, err)
	}
}

func TestSnapshotImagePathRejectsTraversal(t *testing.T) {
	if _, err := SnapshotImagePath("../ord", 0, ObjectRef{Bucket: "b", Name: "a.jpg"}); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

type fakeSigner struct {
	email string
	err   error
}

func (f fakeSigner) Email() string { return f.email }

func (f fakeSigner) SignBytes(context.Context, []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("signed"), nil
}

func TestDownloadURL(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	signer, err := NewURLSigner(fakeSigner{email: "media@localhands.iam.gserviceaccount.com"}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}

	raw, expires, err := signer.DownloadURL(context.Background(), ObjectRef{Bucket: "order-archive", Name: "orders/ord_1/snapshot/00-cover.jpg"}, 0)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !expires.Equal(now.Add(defaultDownloadExpiry)) {
		t.Fatalf("unexpected expiry %v", expires)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "orders/ord_1/snapshot/00-cover.jpg") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	if parsed.Query().Get("X-Goog-Expires") != "300" {
		t.Fatalf("expected 300s expiry, got %q", parsed.Query().Get("X-Goog-Expires"))
	}

	if _, _, err := signer.DownloadURL(context.Background(), ObjectRef{Bucket: "b", Name: "o"}, time.Hour); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestNewURLSignerRequiresEmail(t *testing.T) {
	if _, err := NewURLSigner(fakeSigner{}, nil); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
}

func TestAuthorizeOrderImages(t *testing.T) {
	cases := []struct {
		name     string
		identity *auth.Identity
		allowed  bool
	}{
		{"buyer", &auth.Identity{UID: "buyer-1"}, true},
		{"provider", &auth.Identity{UID: "provider-1"}, true},
		{"ops", &auth.Identity{UID: "staff", Roles: []string{auth.RoleOps}}, true},
		{"stranger", &auth.Identity{UID: "other"}, false},
		{"anonymous", nil, false},
	}
	for _, tc := range cases {
		err := AuthorizeOrderImages(tc.identity, "buyer-1", "provider-1")
		if (err == nil) != tc.allowed {
			t.Fatalf("%s: allowed=%v err=%v", tc.name, tc.allowed, err)
		}
	}
}
