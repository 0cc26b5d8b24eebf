package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	MessagingErrorBadInput     = "MESSAGING_BAD_INPUT"
	MessagingErrorProvider     = "MESSAGING_PROVIDER_UNAVAILABLE"
	MessagingErrorRejected     = "MESSAGING_REJECTED"
	MessagingErrorIntegrity    = "MESSAGING_CREDENTIAL_INTEGRITY"
	MessagingErrorVerification = "MESSAGING_WEBHOOK_VERIFICATION"
	MessagingErrorRateLimited  = "MESSAGING_RATE_LIMITED"
	MessagingErrorNotFound     = "MESSAGING_NOT_FOUND"
	MessagingErrorInternal     = "MESSAGING_INTERNAL_ERROR"
)

// ProviderError is a transient provider-side failure: network errors,
// timeouts, 5xx responses, or provider throttling. The dispatcher treats it
// as retryable.
type ProviderError struct {
	Channel    Channel
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("core: provider %q unavailable", strings.TrimSpace(e.Provider))}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.StatusCode))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, strings.TrimSpace(e.Message))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func (e *ProviderError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(MessagingErrorProvider).
		WithMetadata(map[string]any{
			"channel":     string(e.Channel),
			"provider":    strings.TrimSpace(e.Provider),
			"status_code": e.StatusCode,
		})
}

// RejectedError is a permanent provider rejection: invalid recipient, policy
// violation, or a malformed template. Rejected sends are never retried.
type RejectedError struct {
	Channel  Channel
	Provider string
	Reason   string
	Cause    error
}

func (e *RejectedError) Error() string {
	message := fmt.Sprintf("core: provider %q rejected send", strings.TrimSpace(e.Provider))
	if strings.TrimSpace(e.Reason) != "" {
		message += ": " + strings.TrimSpace(e.Reason)
	}
	if e.Cause != nil {
		message += ": " + e.Cause.Error()
	}
	return message
}

func (e *RejectedError) Unwrap() error { return e.Cause }

func (e *RejectedError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryBadInput).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(MessagingErrorRejected).
		WithMetadata(map[string]any{
			"channel":  string(e.Channel),
			"provider": strings.TrimSpace(e.Provider),
			"reason":   strings.TrimSpace(e.Reason),
		})
}

// IntegrityError reports a credential payload whose authentication tag did
// not verify. The calling send must abort; retrying with the same ciphertext
// cannot succeed.
type IntegrityError struct {
	Message string
	Cause   error
}

func (e *IntegrityError) Error() string {
	message := "core: credential integrity check failed"
	if strings.TrimSpace(e.Message) != "" {
		message += ": " + strings.TrimSpace(e.Message)
	}
	if e.Cause != nil {
		message += ": " + e.Cause.Error()
	}
	return message
}

func (e *IntegrityError) Unwrap() error { return e.Cause }

func (e *IntegrityError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(MessagingErrorIntegrity)
}

// VerificationError reports an inbound webhook whose signature did not
// verify. The payload is never applied; it is only retried as a repeat of
// the signature check.
type VerificationError struct {
	Channel  Channel
	Provider string
	Message  string
	Cause    error
}

func (e *VerificationError) Error() string {
	message := fmt.Sprintf("core: webhook verification failed for provider %q", strings.TrimSpace(e.Provider))
	if strings.TrimSpace(e.Message) != "" {
		message += ": " + strings.TrimSpace(e.Message)
	}
	if e.Cause != nil {
		message += ": " + e.Cause.Error()
	}
	return message
}

func (e *VerificationError) Unwrap() error { return e.Cause }

func (e *VerificationError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(MessagingErrorVerification).
		WithMetadata(map[string]any{
			"channel":  string(e.Channel),
			"provider": strings.TrimSpace(e.Provider),
		})
}

// IsRetryable reports whether an adapter error should re-queue the message.
// Only transient provider failures qualify; everything else is permanent at
// the dispatcher boundary.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// ClassifyAdapterError folds arbitrary adapter failures into the taxonomy.
// Deadline expiry becomes a ProviderError so per-call timeouts stay
// retryable; unclassified errors are treated as transient to err on the side
// of delivery.
func ClassifyAdapterError(channel Channel, provider string, err error) error {
	if err == nil {
		return nil
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	var rejectedErr *RejectedError
	if errors.As(err, &rejectedErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{
			Channel:  channel,
			Provider: provider,
			Message:  "provider call exceeded its timeout budget",
			Cause:    err,
		}
	}
	return &ProviderError{Channel: channel, Provider: provider, Cause: err}
}

func messagingErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureMessagingErrorEnvelope(richErr)
	}

	type serviceError interface {
		ToServiceError() *goerrors.Error
	}
	var typed serviceError
	if errors.As(err, &typed) {
		return ensureMessagingErrorEnvelope(typed.ToServiceError())
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newMessagingError(err.Error(), goerrors.CategoryRateLimit, MessagingErrorRateLimited)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "not registered"):
		return newMessagingError(err.Error(), goerrors.CategoryNotFound, MessagingErrorNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unknown channel"):
		return newMessagingError(err.Error(), goerrors.CategoryBadInput, MessagingErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureMessagingErrorEnvelope(mapped)
}

func newMessagingError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureMessagingErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureMessagingErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = messagingHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultMessagingTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultMessagingTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return MessagingErrorBadInput
	case goerrors.CategoryNotFound:
		return MessagingErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return MessagingErrorVerification
	case goerrors.CategoryRateLimit:
		return MessagingErrorRateLimited
	case goerrors.CategoryExternal:
		return MessagingErrorProvider
	default:
		return MessagingErrorInternal
	}
}

func messagingHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
