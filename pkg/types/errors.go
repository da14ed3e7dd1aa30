package types

import "fmt"

// Wire error kinds. These are the error_type values a client can receive.
const (
	ErrKindInvalidRequest      = "invalid_request"
	ErrKindInvalidToken        = "invalid_token"
	ErrKindInsufficientPayment = "insufficient_payment"
	ErrKindMintNotWhitelisted  = "mint_not_whitelisted"
	ErrKindTokenAlreadyUsed    = "token_already_used"
	ErrKindTierNotFound        = "tier_not_found"
	ErrKindNoSpecs             = "no_specs"
	ErrKindBackendError        = "backend_error"
	ErrKindProvisioningError   = "provisioning_error"
	ErrKindNotFound            = "not_found"
	ErrKindNotImplemented      = "not_implemented"
)

// RequestError is a protocol-level failure that maps 1:1 onto the wire
// Error payload. Everything the dispatcher surfaces to a client is one
// of these; anything else is an internal error and only logged.
type RequestError struct {
	Kind    string
	Message string
	Details string
}

// NewRequestError builds a RequestError for the given wire kind.
func NewRequestError(kind, message string) *RequestError {
	return &RequestError{Kind: kind, Message: message}
}

// WithDetails attaches free-form diagnostic text to the error.
func (e *RequestError) WithDetails(details string) *RequestError {
	e.Details = details
	return e
}

func (e *RequestError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Response projects the error onto its wire form.
func (e *RequestError) Response() *ErrorResponse {
	resp := &ErrorResponse{
		Type:      ResponseTypeError,
		ErrorType: e.Kind,
		Message:   e.Message,
	}
	if e.Details != "" {
		details := e.Details
		resp.Details = &details
	}
	return resp
}

// AsRequestError converts any error into a RequestError, wrapping unknown
// errors under the given fallback kind so clients never see raw internals.
func AsRequestError(err error, fallbackKind string) *RequestError {
	if reqErr, ok := err.(*RequestError); ok {
		return reqErr
	}
	return &RequestError{Kind: fallbackKind, Message: err.Error()}
}
