package provider

import "errors"

// Kind classifies a pipeline failure for the caller-facing envelope.
type Kind string

const (
	KindAuthentication   Kind = "authentication_error"
	KindInvalidRequest   Kind = "invalid_request_error"
	KindBackendProtocol  Kind = "backend_protocol_error"
	KindBackend          Kind = "backend_error"
	KindGenerationFailed Kind = "generation_failed"
	KindServer           Kind = "server_error"
)

// ErrMissingRequestID is returned when a submission succeeds without a job id.
var ErrMissingRequestID = errors.New("missing request id")

// ErrGenerationFailed is returned when the backend reports the job FAILED.
var ErrGenerationFailed = errors.New("image generation failed")

// Error is a classified pipeline failure. StatusCode carries the backend's
// HTTP status when the failure originated from a backend response.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a classified error.
func NewError(kind Kind, statusCode int, message string, err error) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// KindOf reports the classification of err, defaulting to KindServer.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindServer
}
