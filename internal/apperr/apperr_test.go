package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("analyze: %w", Wrap(KindDecoding, "missing total", errors.New("boom")))
	if !errors.Is(err, ErrDecoding) {
		t.Fatal("expected decoding match through wrap")
	}
	if errors.Is(err, ErrInvalidResponse) {
		t.Fatal("decoding must not match invalid response")
	}
	if KindOf(err) != KindDecoding {
		t.Fatalf("unexpected kind %v", KindOf(err))
	}
	if MessageOf(err) != "missing total" {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
}

func TestAPIDefaultsMessage(t *testing.T) {
	if got := API("").Message; got != "Unknown API error" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := API("quota exceeded").Message; got != "quota exceeded" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("plain")
	if KindOf(err) != KindUnknown {
		t.Fatal("expected unknown kind")
	}
	if MessageOf(err) != "plain" {
		t.Fatal("expected fallback to Error()")
	}
}

func TestTransportSeparatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Transport(ctx, errors.New("dial tcp: refused")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	err := Transport(context.Background(), errors.New("dial tcp: refused"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}
