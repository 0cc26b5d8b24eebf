// Package whatsapp implements the WhatsApp Cloud API channel adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

const (
	ProviderID = "whatsapp_cloud"

	defaultBaseURL        = "https://graph.facebook.com/v19.0"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBodyBytes  = 1 << 20

	credentialAccessToken   = "access_token"
	credentialPhoneNumberID = "phone_number_id"
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

func (a *Adapter) Channel() core.Channel { return core.ChannelWhatsApp }

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
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Reason:   "contact has no phone number",
		}
	}
	if strings.TrimSpace(text) == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Reason:   "text body is empty",
		}
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	return a.post(ctx, settings, payload)
}

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
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Reason:   "contact has no phone number",
		}
	}
	if err := a.ValidateTemplate(template); err != nil {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Reason:   "template is not sendable",
			Cause:    err,
		}
	}

	language := strings.TrimSpace(template.Language)
	if language == "" {
		language = "en"
	}
	templatePayload := map[string]any{
		"name":     template.Name,
		"language": map[string]any{"code": language},
	}
	if parameters := bodyParameters(vars); len(parameters) > 0 {
		templatePayload["components"] = []map[string]any{{
			"type":       "body",
			"parameters": parameters,
		}}
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template":          templatePayload,
	}
	return a.post(ctx, settings, payload)
}

var placeholderPattern = regexp.MustCompile(`\{\{(\d+)\}\}`)

// ValidateTemplate checks that the template carries a name and that its body
// placeholders are numbered contiguously from {{1}}.
func (a *Adapter) ValidateTemplate(template core.Template) error {
	if strings.TrimSpace(template.Name) == "" {
		return fmt.Errorf("whatsapp: template name is required")
	}
	matches := placeholderPattern.FindAllStringSubmatch(template.Body, -1)
	seen := map[int]bool{}
	highest := 0
	for _, match := range matches {
		index, err := strconv.Atoi(match[1])
		if err != nil || index < 1 {
			return fmt.Errorf("whatsapp: invalid placeholder %q", match[0])
		}
		seen[index] = true
		if index > highest {
			highest = index
		}
	}
	for i := 1; i <= highest; i++ {
		if !seen[i] {
			return fmt.Errorf("whatsapp: template placeholders must be contiguous, missing {{%d}}", i)
		}
	}
	return nil
}

// ParseWebhook normalizes Cloud API status callbacks. A single callback may
// carry several statuses across several entries; each becomes one event.
// Status entries have no discrete event id, so the (message id, status) pair
// identifies them for dedupe.
func (a *Adapter) ParseWebhook(body []byte, _ map[string]string) ([]core.ProviderEvent, error) {
	var payload struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Statuses []struct {
						ID        string `json:"id"`
						Status    string `json:"status"`
						Timestamp string `json:"timestamp"`
					} `json:"statuses"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("whatsapp: decode webhook payload: %w", err)
	}

	events := []core.ProviderEvent{}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				eventType, ok := mapStatus(status.Status)
				if !ok {
					continue
				}
				occurredAt := time.Time{}
				if unix, err := strconv.ParseInt(strings.TrimSpace(status.Timestamp), 10, 64); err == nil && unix > 0 {
					occurredAt = time.Unix(unix, 0).UTC()
				}
				events = append(events, core.ProviderEvent{
					Type:              eventType,
					Provider:          ProviderID,
					ProviderEventID:   status.ID + ":" + strings.ToLower(strings.TrimSpace(status.Status)),
					ProviderMessageID: status.ID,
					OccurredAt:        occurredAt,
					Raw: map[string]any{
						"status":    status.Status,
						"timestamp": status.Timestamp,
					},
				})
			}
		}
	}
	return events, nil
}

func (a *Adapter) post(ctx context.Context, settings core.ChannelSettings, payload map[string]any) (core.SendResult, error) {
	accessToken := settings.Credential(credentialAccessToken)
	phoneNumberID := settings.Credential(credentialPhoneNumberID)
	if accessToken == "" || phoneNumberID == "" {
		return core.SendResult{}, &core.RejectedError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Reason:   "channel settings are missing access token or phone number id",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.SendResult{}, fmt.Errorf("whatsapp: encode request: %w", err)
	}

	requestCtx := ctx
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok && a.timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	defer cancel()

	endpoint := a.baseURL + "/" + phoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SendResult{}, fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	response, err := a.httpClient.Do(req)
	if err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Message:  "read response",
			Cause:    err,
		}
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return core.SendResult{}, classifyFailure(response.StatusCode, responseBody)
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Message:  "decode response",
			Cause:    err,
		}
	}
	if len(parsed.Messages) == 0 || strings.TrimSpace(parsed.Messages[0].ID) == "" {
		return core.SendResult{}, &core.ProviderError{
			Channel:  core.ChannelWhatsApp,
			Provider: ProviderID,
			Message:  "response missing message id",
		}
	}

	return core.SendResult{
		Success:           true,
		ProviderMessageID: parsed.Messages[0].ID,
	}, nil
}

// classifyFailure maps Cloud API error responses onto the taxonomy: 429 and
// 5xx are transient, other 4xx are permanent rejections.
func classifyFailure(statusCode int, body []byte) error {
	message := errorMessage(body)
	if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
		return &core.ProviderError{
			Channel:    core.ChannelWhatsApp,
			Provider:   ProviderID,
			StatusCode: statusCode,
			Message:    message,
		}
	}
	return &core.RejectedError{
		Channel:  core.ChannelWhatsApp,
		Provider: ProviderID,
		Reason:   fmt.Sprintf("status %d: %s", statusCode, message),
	}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if message := strings.TrimSpace(parsed.Error.Message); message != "" {
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
	case "read":
		return core.EventOpened, true
	case "failed":
		return core.EventFailed, true
	default:
		return "", false
	}
}

func bodyParameters(vars map[string]string) []map[string]any {
	if len(vars) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		left, leftErr := strconv.Atoi(keys[i])
		right, rightErr := strconv.Atoi(keys[j])
		if leftErr == nil && rightErr == nil {
			return left < right
		}
		return keys[i] < keys[j]
	})
	parameters := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		parameters = append(parameters, map[string]any{
			"type": "text",
			"text": vars[key],
		})
	}
	return parameters
}

var _ core.ChannelAdapter = (*Adapter)(nil)
