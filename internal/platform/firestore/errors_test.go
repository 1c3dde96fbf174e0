package firestore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		err := WrapError("orders.get", status.Error(tc.code, "boom"))
		var repoErr *Error
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, repoErr)
		}
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	if err := WrapError("op", status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline passthrough, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestConflictSurvivesRewrapping(t *testing.T) {
	err := WrapError("transaction", Conflict("orders.update", "order %s is at version %d", "ord_1", 4))
	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := err.Error(); got != "orders.update: order ord_1 is at version 4" {
		t.Fatalf("unexpected message %q", got)
	}
	if nf := NotFound("carts.delete", "missing"); !nf.(*Error).IsNotFound() {
		t.Fatalf("expected not found classification")
	}
}

func TestRunTransactionJoinsContextTransaction(t *testing.T) {
	outer := &firestore.Transaction{}
	ctx := context.WithValue(context.Background(), txContextKey{}, outer)

	var seen *firestore.Transaction
	// A nil client proves no new transaction is opened.
	err := RunTransaction(ctx, nil, func(ctx context.Context, tx *firestore.Transaction) error {
		seen = tx
		if got, ok := TxFromContext(ctx); !ok || got != outer {
			t.Fatalf("expected ctx to keep the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction returned error: %v", err)
	}
	if seen != outer {
		t.Fatalf("expected fn to receive the outer transaction")
	}
	if _, ok := TxFromContext(context.Background()); ok {
		t.Fatalf("expected no transaction on a bare context")
	}
}
