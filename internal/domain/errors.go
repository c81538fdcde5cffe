package domain

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrQuotaExceeded        = errors.New("department quota exceeded")
	ErrConfigNotFound       = errors.New("model config not found")
	ErrProviderUnsupported  = errors.New("no adapter for provider")
	ErrProviderTransport    = errors.New("provider transport error")
	ErrProviderRejected     = errors.New("provider rejected request")
	ErrCancelled            = errors.New("request cancelled")
	ErrWatermarkConflict    = errors.New("conversation watermark conflict")
	ErrDepartmentNotFound   = errors.New("department not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrCircuitOpen          = errors.New("provider circuit open")
	ErrReservationResolved  = errors.New("reservation already resolved")
)

// ErrorKind is the wire/event classification of a failure.
type ErrorKind string

const (
	ErrKindNone                ErrorKind = ""
	ErrKindInvalidRequest      ErrorKind = "invalid_request"
	ErrKindQuotaExceeded       ErrorKind = "quota_exceeded"
	ErrKindConfigNotFound      ErrorKind = "config_not_found"
	ErrKindProviderUnsupported ErrorKind = "provider_unsupported"
	ErrKindProviderTransport   ErrorKind = "provider_transport"
	ErrKindProviderRejected    ErrorKind = "provider_rejected"
	ErrKindCancelled           ErrorKind = "cancelled"
	ErrKindWatermarkConflict   ErrorKind = "watermark_conflict"
)

// KindOf maps an error to its taxonomy kind. Unclassified errors count as
// transport failures: they come from the provider path and are retryable.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, ErrInvalidRequest):
		return ErrKindInvalidRequest
	case errors.Is(err, ErrQuotaExceeded):
		return ErrKindQuotaExceeded
	case errors.Is(err, ErrConfigNotFound):
		return ErrKindConfigNotFound
	case errors.Is(err, ErrProviderUnsupported):
		return ErrKindProviderUnsupported
	case errors.Is(err, ErrProviderRejected):
		return ErrKindProviderRejected
	case errors.Is(err, ErrCancelled):
		return ErrKindCancelled
	case errors.Is(err, ErrWatermarkConflict):
		return ErrKindWatermarkConflict
	default:
		return ErrKindProviderTransport
	}
}

// Retryable reports whether a caller could reasonably retry the request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindProviderTransport, ErrKindCancelled:
		return true
	default:
		return false
	}
}
