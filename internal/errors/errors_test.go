package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeConfigInvalid, http.StatusBadRequest},
		{ErrCodeRuleInvalid, http.StatusBadRequest},
		{ErrCodeUnauthorized, http.StatusUnauthorized},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeConflict, http.StatusConflict},
		{ErrCodeRequiresSerial, http.StatusServiceUnavailable},
		{ErrCodeTransportTimeout, http.StatusBadGateway},
		{ErrCodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := NewError(tt.code, "x")
		if got := err.HTTPStatus(); got != tt.want {
			t.Errorf("code %d -> %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	base := fmt.Errorf("connection refused")
	wrapped := Wrap(base, ErrCodeTransportUnreachable, "snmp connect")

	if wrapped.Unwrap() != base {
		t.Error("Unwrap did not return base error")
	}
	if CodeOf(wrapped) != ErrCodeTransportUnreachable {
		t.Errorf("CodeOf = %d", CodeOf(wrapped))
	}
	if !Is(wrapped, NewError(ErrCodeTransportUnreachable, "")) {
		t.Error("Is did not match code")
	}
	if Is(wrapped, ErrNotFound) {
		t.Error("Is matched wrong code")
	}
	if Wrap(nil, ErrCodeInternalError, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(fmt.Errorf("plain")) != ErrCodeInternalError {
		t.Error("plain errors should map to internal")
	}
}
