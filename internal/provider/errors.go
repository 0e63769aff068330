package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrStreamingUnsupported = errors.New("streaming not supported by this backend")
	ErrMissingCredential    = errors.New("no API key configured")
)

// Error is the only error type returned by clients. Status is the upstream
// HTTP status, or 0 when the failure did not come from an HTTP response.
type Error struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the next credential should be tried.
func (e *Error) Retryable() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// StatusOf returns the upstream status carried by err, or 0.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

// ConfigError is returned by constructors when a provider row cannot be
// turned into a working client.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s misconfigured: %s", e.Provider, e.Reason)
}

func StreamingUnsupported(providerName string) error {
	return &Error{Provider: providerName, Err: ErrStreamingUnsupported}
}

func wrapTransport(providerName string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: providerName, Err: err}
}

// statusError builds an Error from a non-2xx body, preferring the vendor's
// own error message when the body is JSON.
func statusError(providerName string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				msg = r.Str
				break
			}
		}
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Provider: providerName, Status: status, Message: msg}
}
