// Package email implements the transactional email channel adapter.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

const (
	ProviderID = "email_gateway"

	defaultBaseURL        = "https://api.emailgateway.io/v1"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBodyBytes  = 1 << 20

	credentialAPIKey      = "api_key"
	credentialFromAddress = "from_address"
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

func (a *Adapter) Channel() core.Channel { return core.ChannelEmail }

func (a *Adapter) Provider() string { return ProviderID }

func (a *Adapter) SendText(
	ctx context.Context,
	settings core.ChannelSettings,
	contact core.Contact,
	text string,
	meta map[string]any,
) (core.SendResult, error) {
	to := strings.TrimSpace(contact.Email)
	if to == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Reason:   "contact has no email address",
		}
	}
	subject := ""
	if meta != nil {
		if value, ok := meta["subject"].(string); ok {
			subject = strings.TrimSpace(value)
		}
	}
	return a.post(ctx, settings, map[string]any{
		"to":      to,
		"subject": subject,
		"text":    text,
	})
}

// SendTemplate renders the template body locally by substituting named
// placeholders, then sends the result as a plain message.
func (a *Adapter) SendTemplate(
	ctx context.Context,
	settings core.ChannelSettings,
	contact core.Contact,
	template core.Template,
	vars map[string]string,
	meta map[string]any,
) (core.SendResult, error) {
	to := strings.TrimSpace(contact.Email)
	if to == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Reason:   "contact has no email address",
		}
	}
	if err := a.ValidateTemplate(template); err != nil {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelEmail,
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
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Reason:   fmt.Sprintf("unresolved template placeholder %s", leftover),
		}
	}

	subject := template.Name
	if meta != nil {
		if value, ok := meta["subject"].(string); ok && strings.TrimSpace(value) != "" {
			subject = strings.TrimSpace(value)
		}
	}
	return a.post(ctx, settings, map[string]any{
		"to":      to,
		"subject": subject,
		"text":    body,
	})
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// ValidateTemplate checks the body is present and every declared variable
// actually appears in it.
func (a *Adapter) ValidateTemplate(template core.Template) error {
	if strings.TrimSpace(template.Body) == "" {
		return fmt.Errorf("email: template body is required")
	}
	for _, name := range template.Variables {
		if !strings.Contains(template.Body, "{{"+name+"}}") {
			return fmt.Errorf("email: declared variable %q is not used in the body", name)
		}
	}
	return nil
}

// ParseWebhook normalizes the gateway's event batches. Unrecognized event
// names are skipped rather than failing the whole batch.
func (a *Adapter) ParseWebhook(body []byte, _ map[string]string) ([]core.ProviderEvent, error) {
	var payload struct {
		Events []struct {
			Event     string `json:"event"`
			EventID   string `json:"event_id"`
			MessageID string `json:"message_id"`
			Timestamp string `json:"timestamp"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("email: decode webhook payload: %w", err)
	}

	events := []core.ProviderEvent{}
	for _, event := range payload.Events {
		eventType, ok := mapEvent(event.Event)
		if !ok {
			continue
		}
		occurredAt := time.Time{}
		if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(event.Timestamp)); err == nil {
			occurredAt = parsed.UTC()
		}
		events = append(events, core.ProviderEvent{
			Type:              eventType,
			Provider:          ProviderID,
			ProviderEventID:   event.EventID,
			ProviderMessageID: event.MessageID,
			OccurredAt:        occurredAt,
			Raw: map[string]any{
				"event":     event.Event,
				"timestamp": event.Timestamp,
			},
		})
	}
	return events, nil
}

func (a *Adapter) post(ctx context.Context, settings core.ChannelSettings, payload map[string]any) (core.SendResult, error) {
	apiKey := settings.Credential(credentialAPIKey)
	from := settings.Credential(credentialFromAddress)
	if apiKey == "" || from == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Reason:   "channel settings are missing api key or from address",
		}
	}
	payload["from"] = from

	body, err := json.Marshal(payload)
	if err != nil {
		return core.SendResult{}, fmt.Errorf("email: encode request: %w", err)
	}

	requestCtx := ctx
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok && a.timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return core.SendResult{}, fmt.Errorf("email: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	response, err := a.httpClient.Do(req)
	if err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Message:  "read response",
			Cause:    err,
		}
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return core.SendResult{}, classifyFailure(response.StatusCode, responseBody)
	}

	var parsed struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Message:  "decode response",
			Cause:    err,
		}
	}
	if strings.TrimSpace(parsed.MessageID) == "" {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelEmail,
			Provider: ProviderID,
			Message:  "response missing message id",
		}
	}

	return core.SendResult{
		Success:           true,
		ProviderMessageID: parsed.MessageID,
	}, nil
}

func classifyFailure(statusCode int, body []byte) error {
	message := errorMessage(body)
	if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
		return &core.ProviderError{
			Channel:    core.ChannelEmail,
			Provider:   ProviderID,
			StatusCode: statusCode,
			Message:    message,
		}
	}
	return &core.RejectedError{
		Channel:  core.ChannelEmail,
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

func mapEvent(name string) (core.EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sent":
		return core.EventSent, true
	case "delivered":
		return core.EventDelivered, true
	case "open", "opened":
		return core.EventOpened, true
	case "bounce", "bounced":
		return core.EventBounced, true
	case "failed", "dropped":
		return core.EventFailed, true
	default:
		return "", false
	}
}

var _ core.ChannelAdapter = (*Adapter)(nil)
