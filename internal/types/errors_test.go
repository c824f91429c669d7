package types

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorCodeHTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeSecurityRateLimit, http.StatusTooManyRequests},
		{ErrCodeSecurityCrossTenant, http.StatusForbidden},
		{ErrCodeSecurityRejected, http.StatusForbidden},
		{ErrCodePermissionRole, http.StatusForbidden},
		{ErrCodeNotFoundNotification, http.StatusNotFound},
		{ErrCodeConflictDuplicate, http.StatusConflict},
		{ErrCodeUpstreamAdapter, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("mystery_code"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.code.HTTPStatus(); got != c.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	appErr := NewAppError(ErrCodeInternalDB, "failed to persist", inner)

	if !errors.Is(appErr, inner) {
		t.Error("AppError must unwrap to the inner error")
	}

	var target *AppError
	if !errors.As(appErr, &target) {
		t.Fatal("errors.As must find the AppError")
	}
	if target.Code != ErrCodeInternalDB {
		t.Errorf("code = %s, want %s", target.Code, ErrCodeInternalDB)
	}
}

func TestAppErrorWithDetails(t *testing.T) {
	base := NewAppError(ErrCodeRateLimit, "too many notifications", nil)
	derived := base.WithDetails(map[string]any{"retry_after_seconds": 30})

	if base.Details != nil {
		t.Error("WithDetails must not mutate the original error")
	}
	if derived.Details["retry_after_seconds"] != 30 {
		t.Errorf("details not merged: %v", derived.Details)
	}
}
