// Package sms implements the SMS gateway channel adapter.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

const (
	ProviderID = "sms_gateway"

	defaultBaseURL        = "https://api.smsgateway.io/2010-04-01"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBodyBytes  = 1 << 20

	credentialAccountSID   = "account_sid"
	credentialAuthToken    = "auth_token"
	credentialSenderNumber = "sender_number"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	HTTPClient     HTTPDoer
}

type Adapter struct {
	baseURL    string
	timeout    time.Duration
	httpClient HTTPDoer
}

func New(cfg Config) *Adapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Adapter{
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: httpClient,
	}
}

func (a *Adapter) Channel() core.Channel { return core.ChannelSMS }

func (a *Adapter) Provider() string { return ProviderID }

func (a *Adapter) SendText(
	ctx context.Context,
	settings core.ChannelSettings,
	contact core.Contact,
	text string,
	_ map[string]any,
) (core.SendResult, error) {
	to := strings.TrimSpace(contact.PhoneNumber)
	if to == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Reason:   "contact has no phone number",
		}
	}
	if strings.TrimSpace(text) == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Reason:   "text body is empty",
		}
	}
	return a.post(ctx, settings, to, text)
}

// SendTemplate renders the template body locally; the gateway has no
// template concept of its own.
func (a *Adapter) SendTemplate(
	ctx context.Context,
	settings core.ChannelSettings,
	contact core.Contact,
	template core.Template,
	vars map[string]string,
	_ map[string]any,
) (core.SendResult, error) {
	to := strings.TrimSpace(contact.PhoneNumber)
	if to == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Reason:   "contact has no phone number",
		}
	}
	if err := a.ValidateTemplate(template); err != nil {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Reason:   "template is not sendable",
			Cause:    err,
		}
	}
	body := template.Body
	for name, value := range vars {
		body = strings.ReplaceAll(body, "{{"+name+"}}", value)
	}
	if leftover := placeholderPattern.FindString(body); leftover != "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Reason:   fmt.Sprintf("unresolved template placeholder %s", leftover),
		}
	}

	return a.post(ctx, settings, to, body)
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

func (a *Adapter) ValidateTemplate(template core.Template) error {
	if strings.TrimSpace(template.Body) == "" {
		return fmt.Errorf("sms: template body is required")
	}
	for _, name := range template.Variables {
		if !strings.Contains(template.Body, "{{"+name+"}}") {
			return fmt.Errorf("sms: declared variable %q is not used in the body", name)
		}
	}
	return nil
}

// ParseWebhook normalizes the gateway's status callbacks.
func (a *Adapter) ParseWebhook(body []byte, _ map[string]string) ([]core.ProviderEvent, error) {
	var payload struct {
		MessageSID    string `json:"message_sid"`
		MessageStatus string `json:"message_status"`
		EventID       string `json:"event_id"`
		Timestamp     string `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("sms: decode webhook payload: %w", err)
	}
	if strings.TrimSpace(payload.MessageSID) == "" {
		return nil, fmt.Errorf("sms: webhook payload missing message sid")
	}

	eventType, ok := mapStatus(payload.MessageStatus)
	if !ok {
		return []core.ProviderEvent{}, nil
	}
	eventID := strings.TrimSpace(payload.EventID)
	if eventID == "" {
		eventID = payload.MessageSID + ":" + strings.ToLower(strings.TrimSpace(payload.MessageStatus))
	}
	occurredAt := time.Time{}
	if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(payload.Timestamp)); err == nil {
		occurredAt = parsed.UTC()
	}
	return []core.ProviderEvent{{
		Type:              eventType,
		Provider:          ProviderID,
		ProviderEventID:   eventID,
		ProviderMessageID: payload.MessageSID,
		OccurredAt:        occurredAt,
		Raw: map[string]any{
			"message_status": payload.MessageStatus,
			"timestamp":      payload.Timestamp,
		},
	}}, nil
}

func (a *Adapter) post(ctx context.Context, settings core.ChannelSettings, to string, text string) (core.SendResult, error) {
	accountSID := settings.Credential(credentialAccountSID)
	authToken := settings.Credential(credentialAuthToken)
	sender := settings.Credential(credentialSenderNumber)
	if accountSID == "" || authToken == "" || sender == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Reason:   "channel settings are missing account sid, auth token, or sender number",
		}
	}

	values := url.Values{}
	values.Set("To", to)
	values.Set("From", sender)
	values.Set("Body", text)

	requestCtx := ctx
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok && a.timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	defer cancel()

	endpoint := a.baseURL + "/accounts/" + accountSID + "/messages"
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return core.SendResult{}, fmt.Errorf("sms: build request: %w", err)
	}
	req.SetBasicAuth(accountSID, authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := a.httpClient.Do(req)
	if err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Message:  "read response",
			Cause:    err,
		}
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return core.SendResult{}, classifyFailure(response.StatusCode, responseBody)
	}

	var parsed struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Message:  "decode response",
			Cause:    err,
		}
	}
	if strings.TrimSpace(parsed.SID) == "" {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelSMS,
			Provider: ProviderID,
			Message:  "response missing message sid",
		}
	}

	return core.SendResult{
		Success:           true,
		ProviderMessageID: parsed.SID,
	}, nil
}

func classifyFailure(statusCode int, body []byte) error {
	message := errorMessage(body)
	if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
		return &core.ProviderError{
			Channel:    core.ChannelSMS,
			Provider:   ProviderID,
			StatusCode: statusCode,
			Message:    message,
		}
	}
	return &core.RejectedError{
		Channel:  core.ChannelSMS,
		Provider: ProviderID,
		Reason:   fmt.Sprintf("status %d: %s", statusCode, message),
	}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if message := strings.TrimSpace(parsed.Message); message != "" {
			return message
		}
	}
	return "provider request failed"
}

func mapStatus(status string) (core.EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "sent":
		return core.EventSent, true
	case "delivered":
		return core.EventDelivered, true
	case "undelivered", "failed":
		return core.EventFailed, true
	default:
		return "", false
	}
}

var _ core.ChannelAdapter = (*Adapter)(nil)
