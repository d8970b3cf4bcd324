package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesSentinelsByKind(t *testing.T) {
	cases := []struct {
		kind     Kind
		sentinel error
	}{
		{KindNotFound, ErrNotFound},
		{KindConflict, ErrConflict},
		{KindAuth, ErrUnauthorized},
		{KindForbidden, ErrForbidden},
		{KindValidation, ErrInvalidInput},
		{KindBusy, ErrVolunteerBusy},
		{KindProvider, ErrProvider},
		{KindInternal, ErrInternal},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "msg")
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("kind %s did not match sentinel %v", tc.kind, tc.sentinel)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	err := Wrap(KindProvider, "weather.fetch", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause lost")
	}
	if KindOf(err) != KindProvider {
		t.Fatalf("kind lost: %s", KindOf(err))
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation: http.StatusBadRequest,
		KindBusy:       http.StatusBadRequest,
		KindAuth:       http.StatusUnauthorized,
		KindForbidden:  http.StatusForbidden,
		KindNotFound:   http.StatusNotFound,
		KindConflict:   http.StatusConflict,
		KindProvider:   http.StatusBadGateway,
		KindInternal:   http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(New(kind, "op", "")); got != want {
			t.Errorf("kind %s: got %d, want %d", kind, got, want)
		}
	}
	if got := HTTPStatus(fmt.Errorf("plain")); got != http.StatusInternalServerError {
		t.Errorf("plain error: got %d", got)
	}
}

func TestMessageOf(t *testing.T) {
	if msg := MessageOf(New(KindConflict, "accept", "Alert already accepted by another volunteer")); msg != "Alert already accepted by another volunteer" {
		t.Fatalf("unexpected message %q", msg)
	}
	if msg := MessageOf(fmt.Errorf("plain")); msg != "" {
		t.Fatalf("expected empty message, got %q", msg)
	}
}
