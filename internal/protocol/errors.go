package protocol

import (
	"errors"

	"github.com/fwdslsh/dispatch/internal/domain"
)

// ErrorCode maps a service error to its protocol error code.
func ErrorCode(err error) string {
	var ace *domain.AdapterCreationError
	switch {
	case errors.Is(err, domain.ErrUnknownKind):
		return ErrorCodeUnknownKind
	case errors.Is(err, domain.ErrSessionNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, domain.ErrSessionNotLive):
		return ErrorCodeNotLive
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return ErrorCodeUnsupported
	case errors.Is(err, domain.ErrPolicyDenied):
		return ErrorCodePolicyDenied
	case errors.As(err, &ace):
		return ErrorCodeAdapterFailed
	default:
		return ErrorCodeInternalError
	}
}
