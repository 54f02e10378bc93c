package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an application error independently of its message.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindInvalidSignature   Kind = "invalid_signature"
	KindUnsupportedFeature Kind = "unsupported_feature"
	KindGateway            Kind = "gateway"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Error represents an application error
type Error struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an *Error of the same kind, so the
// sentinels below work with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error
func New(code int, kind Kind, message string, err error) *Error {
	return &Error{
		Code:    code,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration      = New(http.StatusInternalServerError, KindConfiguration, "Configuration error", nil)
	ErrInvalidSignature   = New(http.StatusBadRequest, KindInvalidSignature, "Invalid signature", nil)
	ErrUnsupportedFeature = New(http.StatusUnprocessableEntity, KindUnsupportedFeature, "Unsupported feature", nil)
	ErrGateway            = New(http.StatusBadGateway, KindGateway, "Gateway error", nil)
	ErrNotFound           = New(http.StatusNotFound, KindNotFound, "Not found", nil)
	ErrInvalidInput       = New(http.StatusBadRequest, KindInvalidInput, "Invalid input", nil)
	ErrConflict           = New(http.StatusConflict, KindConflict, "Conflict", nil)
	ErrInternal           = New(http.StatusInternalServerError, KindInternal, "Internal server error", nil)
)

// Configuration reports missing or invalid provider configuration.
func Configuration(message string, err error) *Error {
	return New(http.StatusInternalServerError, KindConfiguration, message, err)
}

// InvalidSignature reports a webhook whose authenticity check failed.
func InvalidSignature(provider string, err error) *Error {
	return New(http.StatusBadRequest, KindInvalidSignature, provider+": invalid webhook signature", err)
}

// Unsupported reports an operation the provider does not implement.
func Unsupported(provider, feature string) *Error {
	return New(http.StatusUnprocessableEntity, KindUnsupportedFeature,
		fmt.Sprintf("%s does not support %s", provider, feature), nil)
}

// Gateway wraps a failed call to a provider API.
func Gateway(provider string, err error) *Error {
	return New(http.StatusBadGateway, KindGateway, provider+": gateway request failed", err)
}

func NotFound(what, id string) *Error {
	return New(http.StatusNotFound, KindNotFound, fmt.Sprintf("%s %s not found", what, id), nil)
}

func InvalidInput(message string, err error) *Error {
	return New(http.StatusBadRequest, KindInvalidInput, message, err)
}

func Conflict(message string) *Error {
	return New(http.StatusConflict, KindConflict, message, nil)
}

func Internal(message string, err error) *Error {
	return New(http.StatusInternalServerError, KindInternal, message, err)
}

// From returns the *Error in err's chain, or wraps err as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("Internal server error", err)
}

// ErrorMiddleware renders the last error pushed to c.Errors.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			appErr := From(c.Errors.Last().Err)
			c.JSON(appErr.Code, gin.H{"error": appErr.Message, "kind": appErr.Kind})
			c.Abort()
		}
	}
}
