package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

// Reconciler applies provider delivery notifications to the message event
// stream. Ingest never propagates a bad payload as a transport error: a
// webhook that cannot be verified or applied is parked as a FailedWebhook
// and answered with a structured result, so callers can always respond to
// the provider.
type Reconciler struct {
	Registry  core.AdapterRegistry
	Verifiers map[string]Verifier
	Messages  core.MessageStore
	Failed    core.FailedWebhookStore
	RetryBase time.Duration
	Now       func() time.Time
}

func NewReconciler(
	registry core.AdapterRegistry,
	messages core.MessageStore,
	failed core.FailedWebhookStore,
	templates ...ProviderWebhookTemplate,
) *Reconciler {
	verifiers := make(map[string]Verifier, len(templates))
	for _, template := range templates {
		provider := strings.TrimSpace(strings.ToLower(template.Provider))
		if provider == "" || template.Verifier == nil {
			continue
		}
		verifiers[provider] = template.Verifier
	}
	return &Reconciler{
		Registry:  registry,
		Verifiers: verifiers,
		Messages:  messages,
		Failed:    failed,
		RetryBase: 30 * time.Second,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Ingest(ctx context.Context, provider string, body []byte, headers map[string]string) (core.WebhookResult, error) {
	if r == nil || r.Registry == nil || r.Messages == nil {
		return core.WebhookResult{}, fmt.Errorf("webhooks: reconciler requires registry and message store")
	}
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return core.WebhookResult{}, fmt.Errorf("webhooks: provider id is required")
	}

	adapter, ok := r.Registry.GetByProvider(provider)
	if !ok {
		return core.WebhookResult{
			OK:         false,
			Reason:     "unknown_provider",
			StatusCode: http.StatusNotFound,
		}, nil
	}

	if err := r.verify(ctx, provider, body, headers); err != nil {
		r.park(ctx, adapter.Channel(), provider, core.FailedWebhookVerification, body, headers, err)
		return core.WebhookResult{
			OK:         false,
			Reason:     "verification_failed",
			StatusCode: http.StatusUnauthorized,
			Metadata:   map[string]any{"provider": provider},
		}, nil
	}

	applied, deduped, err := r.parseAndApply(ctx, adapter, body, headers)
	if err != nil {
		r.park(ctx, adapter.Channel(), provider, core.FailedWebhookProcessing, body, headers, err)
		// The record is parked and will be replayed; acknowledge receipt so
		// the provider does not re-deliver on its own schedule.
		return core.WebhookResult{
			OK:         false,
			Reason:     "processing_failed",
			StatusCode: http.StatusAccepted,
			Metadata:   map[string]any{"provider": provider},
		}, nil
	}

	return core.WebhookResult{
		OK:         true,
		Deduped:    applied == 0 && deduped > 0,
		StatusCode: http.StatusOK,
		Applied:    applied,
		Metadata: map[string]any{
			"provider": provider,
			"deduped":  deduped,
		},
	}, nil
}

// Replay re-runs a parked webhook. Verification failures repeat the full
// pipeline (the tenant may have fixed the secret since); processing failures
// skip straight to parse-and-apply.
func (r *Reconciler) Replay(ctx context.Context, record core.FailedWebhook) error {
	if r == nil || r.Registry == nil {
		return fmt.Errorf("webhooks: reconciler requires registry")
	}
	provider := strings.TrimSpace(strings.ToLower(record.Provider))
	adapter, ok := r.Registry.GetByProvider(provider)
	if !ok {
		return fmt.Errorf("webhooks: no adapter registered for provider %q", provider)
	}
	if record.Kind == core.FailedWebhookVerification {
		if err := r.verify(ctx, provider, record.Payload, record.Headers); err != nil {
			return err
		}
	}
	_, _, err := r.parseAndApply(ctx, adapter, record.Payload, record.Headers)
	return err
}

func (r *Reconciler) verify(ctx context.Context, provider string, body []byte, headers map[string]string) error {
	verifier, ok := r.Verifiers[provider]
	if !ok {
		return fmt.Errorf("webhooks: no verifier configured for provider %q", provider)
	}
	if err := verifier.Verify(ctx, body, headers); err != nil {
		return VerificationFailure(r.channelFor(provider), provider, err)
	}
	return nil
}

func (r *Reconciler) parseAndApply(ctx context.Context, adapter core.ChannelAdapter, body []byte, headers map[string]string) (applied int, deduped int, err error) {
	events, err := adapter.ParseWebhook(body, headers)
	if err != nil {
		return 0, 0, fmt.Errorf("webhooks: parse payload: %w", err)
	}
	for _, event := range events {
		provider := strings.TrimSpace(strings.ToLower(event.Provider))
		if provider == "" {
			provider = strings.TrimSpace(strings.ToLower(adapter.Provider()))
		}

		msg, err := r.Messages.FindByProviderMessageID(ctx, provider, event.ProviderMessageID)
		if err != nil {
			// The send may not be recorded yet; the whole delivery is parked
			// and replayed once the outbox catches up.
			return applied, deduped, fmt.Errorf("webhooks: resolve message for provider id %q: %w", event.ProviderMessageID, err)
		}

		inserted, err := r.Messages.AppendEvent(ctx, core.AppendEventInput{
			MessageID:       msg.ID,
			Type:            event.Type,
			Provider:        provider,
			ProviderEventID: event.ProviderEventID,
			Raw:             event.Raw,
			OccurredAt:      event.OccurredAt,
		})
		if err != nil {
			return applied, deduped, fmt.Errorf("webhooks: append event: %w", err)
		}
		if !inserted {
			deduped++
			continue
		}
		if err := r.Messages.AdvanceStatus(ctx, msg.ID, event.Type.MessageStatus()); err != nil {
			return applied, deduped, fmt.Errorf("webhooks: advance status: %w", err)
		}
		applied++
	}
	return applied, deduped, nil
}

func (r *Reconciler) park(
	ctx context.Context,
	channel core.Channel,
	provider string,
	kind core.FailedWebhookKind,
	body []byte,
	headers map[string]string,
	cause error,
) {
	if r.Failed == nil {
		return
	}
	retryBase := r.RetryBase
	if retryBase <= 0 {
		retryBase = 30 * time.Second
	}
	_, _ = r.Failed.Save(ctx, core.SaveFailedWebhookInput{
		Channel:       channel,
		Provider:      provider,
		Kind:          kind,
		Payload:       body,
		Headers:       headers,
		LastError:     cause.Error(),
		NextAttemptAt: r.now().Add(retryBase),
	})
}

func (r *Reconciler) channelFor(provider string) core.Channel {
	if adapter, ok := r.Registry.GetByProvider(provider); ok {
		return adapter.Channel()
	}
	return ""
}

func (r *Reconciler) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
