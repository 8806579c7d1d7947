package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fwdslsh/dispatch/internal/domain"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrUnknownKind, ErrorCodeUnknownKind},
		{fmt.Errorf("%w: %q", domain.ErrUnknownKind, "x"), ErrorCodeUnknownKind},
		{domain.ErrSessionNotFound, ErrorCodeNotFound},
		{domain.ErrSessionNotLive, ErrorCodeNotLive},
		{fmt.Errorf("%w: viewer", domain.ErrUnsupportedOperation), ErrorCodeUnsupported},
		{fmt.Errorf("%w: kind disabled", domain.ErrPolicyDenied), ErrorCodePolicyDenied},
		{&domain.AdapterCreationError{Kind: domain.SessionKindShell, Err: errors.New("no pty")}, ErrorCodeAdapterFailed},
		{errors.New("database is locked"), ErrorCodeInternalError},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
