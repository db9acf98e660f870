package sender

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"
)

// Code classifies a send failure.
type Code string

const (
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeSessionNotReady         Code = "SESSION_NOT_READY"
	CodeInvalidRecipient        Code = "INVALID_RECIPIENT"
	CodeRecipientNotAddressable Code = "RECIPIENT_NOT_ADDRESSABLE"
	CodeMissingMedia            Code = "MISSING_MEDIA"
	CodeUnsupportedContentKind  Code = "UNSUPPORTED_CONTENT_KIND"
	CodeProviderError           Code = "PROVIDER_ERROR"
)

// Error is a classified send failure. Two Errors match under errors.Is
// when their codes are equal.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, err error) *Error {
	e := &Error{Code: code, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrSessionNotFound         = &Error{Code: CodeSessionNotFound}
	ErrSessionNotReady         = &Error{Code: CodeSessionNotReady}
	ErrInvalidRecipient        = &Error{Code: CodeInvalidRecipient}
	ErrRecipientNotAddressable = &Error{Code: CodeRecipientNotAddressable}
	ErrMissingMedia            = &Error{Code: CodeMissingMedia}
	ErrUnsupportedContentKind  = &Error{Code: CodeUnsupportedContentKind}
	ErrProvider                = &Error{Code: CodeProviderError}
)

// CodeOf extracts the failure code, or "" for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classifier decides whether a failure condemns the whole session rather
// than a single message.
type Classifier struct {
	Codes              []Code
	ProviderPatterns   []string
	AbortOnBreakerOpen bool
}

func DefaultClassifier() Classifier {
	return Classifier{
		Codes:              []Code{CodeSessionNotFound, CodeSessionNotReady},
		ProviderPatterns:   []string{"not logged in", "websocket not connected", "stream replaced"},
		AbortOnBreakerOpen: true,
	}
}

func (c Classifier) IsSessionLevel(err error) bool {
	if err == nil {
		return false
	}
	if c.AbortOnBreakerOpen && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return true
	}
	code := CodeOf(err)
	for _, sc := range c.Codes {
		if code == sc {
			return true
		}
	}
	if code != CodeProviderError {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range c.ProviderPatterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
