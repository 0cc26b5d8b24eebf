package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const SendScope = "send"

// Dispatcher drains the outbox: it leases queued messages, consults the send
// gate, decrypts tenant credentials, invokes the matching channel adapter,
// and drives the queued -> sending -> done|failed state machine. Lease
// acquisition is the only inter-worker coordination primitive; any number of
// dispatchers may poll the same outbox concurrently.
type Dispatcher struct {
	config    Config
	logger    Logger
	metrics   MetricsRecorder
	mapError  ErrorMapper
	registry  AdapterRegistry
	outbox    OutboxStore
	messages  MessageStore
	settings  SettingsStore
	contacts  ContactResolver
	templates TemplateResolver
	vault     SecretProvider
	gate      SendGate
	now       func() time.Time
}

func NewDispatcher(cfg Config, options ...Option) (*Dispatcher, error) {
	builder := defaultDispatcherBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("outbound", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("outbound.dispatcher"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.outboxStore == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	if builder.messageStore == nil {
		return nil, fmt.Errorf("core: message store is required")
	}
	if builder.settingsStore == nil {
		return nil, fmt.Errorf("core: settings store is required")
	}
	if builder.contactResolver == nil {
		return nil, fmt.Errorf("core: contact resolver is required")
	}
	if builder.secretProvider == nil {
		return nil, fmt.Errorf("core: secret provider is required")
	}
	if builder.registry == nil {
		builder.registry = NewChannelRegistry()
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	cfg.Dispatcher = cfg.Dispatcher.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Dispatcher{
		config:    cfg,
		logger:    logger,
		metrics:   builder.metricsRecorder,
		mapError:  builder.errorMapper,
		registry:  builder.registry,
		outbox:    builder.outboxStore,
		messages:  builder.messageStore,
		settings:  builder.settingsStore,
		contacts:  builder.contactResolver,
		templates: builder.templateResolver,
		vault:     builder.secretProvider,
		gate:      builder.sendGate,
		now:       builder.now,
	}, nil
}

// Setup resolves configuration through the configured provider and options
// resolver before constructing the dispatcher.
func Setup(ctx context.Context, runtime Config, options ...Option) (*Dispatcher, error) {
	builder := defaultDispatcherBuilder(runtime)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	provider := builder.configProvider
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	resolver := builder.optionsResolver
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return nil, err
	}
	resolved, err := resolver.Resolve(defaults, loaded, runtime)
	if err != nil {
		return nil, err
	}
	return NewDispatcher(resolved, options...)
}

// Enqueue validates the input and records a new outbox row in "queued". The
// message becomes eligible for dispatch at ScheduledAt (or immediately when
// unset); delivery itself happens asynchronously in the worker loop.
func (d *Dispatcher) Enqueue(ctx context.Context, in EnqueueInput) (OutboxMessage, error) {
	if d == nil || d.outbox == nil {
		return OutboxMessage{}, fmt.Errorf("core: dispatcher is not configured")
	}
	startedAt := d.nowUTC()
	if err := in.Validate(); err != nil {
		return OutboxMessage{}, err
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = d.config.Dispatcher.MaxAttempts
	}
	msg, err := d.outbox.Enqueue(ctx, in)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("core: enqueue message: %w", err)
	}
	d.recordCounter(ctx, "outbound.enqueue.total", 1, map[string]string{"channel": string(msg.Channel)})
	d.logInfo(ctx, "message enqueued", map[string]any{
		"message_id":  msg.ID,
		"tenant_id":   msg.TenantID,
		"channel":     string(msg.Channel),
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})
	return msg, nil
}

// Run starts the worker pool and blocks until ctx is cancelled. Each worker
// polls independently; in-flight leases are finished before a worker exits,
// and no new leases are acquired after cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("core: dispatcher is not configured")
	}
	workers := d.config.Dispatcher.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.config.Dispatcher.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := d.DispatchCycle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logError(ctx, "dispatch cycle failed", map[string]any{
				"worker": worker,
				"error":  err.Error(),
			})
		}
		if stats.Leased > 0 {
			d.logInfo(ctx, "dispatch cycle finished", map[string]any{
				"worker":    worker,
				"leased":    stats.Leased,
				"sent":      stats.Sent,
				"retried":   stats.Retried,
				"failed":    stats.Failed,
				"throttled": stats.Throttled,
				"deferred":  stats.Deferred,
			})
		}
	}
}

// DispatchCycle leases one bounded batch and dispatches every message in it.
// Leased messages are always driven to a state transition, even when ctx is
// cancelled mid-batch: abandoning a live lease would park the row until the
// lease expires.
func (d *Dispatcher) DispatchCycle(ctx context.Context) (DispatchStats, error) {
	if d == nil || d.outbox == nil {
		return DispatchStats{}, fmt.Errorf("core: dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return DispatchStats{}, err
	}

	leased, err := d.outbox.Lease(ctx, d.config.Dispatcher.BatchSize, d.config.Dispatcher.LeaseDuration)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Leased: len(leased)}
	inflight := context.WithoutCancel(ctx)
	for _, msg := range leased {
		stats = stats.merge(d.dispatchOne(inflight, msg))
	}
	return stats, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, msg OutboxMessage) DispatchStats {
	startedAt := d.nowUTC()

	if d.gate != nil {
		decision, err := d.gate.Acquire(ctx, msg.TenantID, SendScope, startedAt)
		if err != nil {
			return d.retryOrFail(ctx, msg, fmt.Errorf("core: send gate: %w", err))
		}
		if decision.DeferredUntil != nil {
			if err := d.outbox.Release(ctx, msg.ID, decision.DeferredUntil.UTC()); err != nil {
				d.logError(ctx, "release deferred message failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
			}
			d.observeDispatch(ctx, startedAt, msg, "deferred", nil)
			return DispatchStats{Deferred: 1}
		}
		if !decision.Allowed {
			retryAt := startedAt.Add(decision.RetryAfter)
			if err := d.outbox.Release(ctx, msg.ID, retryAt); err != nil {
				d.logError(ctx, "release throttled message failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
			}
			d.observeDispatch(ctx, startedAt, msg, "throttled", nil)
			return DispatchStats{Throttled: 1}
		}
	}

	settings, err := d.resolveSettings(ctx, msg)
	if err != nil {
		var integrityErr *IntegrityError
		if errors.As(err, &integrityErr) {
			// Retrying the same ciphertext cannot succeed; surface loudly
			// and terminate the message.
			d.logError(ctx, "credential integrity failure", map[string]any{
				"tenant_id":  msg.TenantID,
				"channel":    string(msg.Channel),
				"message_id": msg.ID,
				"error":      integrityErr.Error(),
			})
			return d.failTerminal(ctx, msg, startedAt, err)
		}
		return d.retryOrFail(ctx, msg, err)
	}

	adapter, ok := d.registry.Get(msg.Channel)
	if !ok {
		return d.failTerminal(ctx, msg, startedAt, fmt.Errorf("core: no adapter registered for channel %q", string(msg.Channel)))
	}

	contact, err := d.contacts.Resolve(ctx, msg.TenantID, msg.ContactID)
	if err != nil {
		return d.retryOrFail(ctx, msg, fmt.Errorf("core: resolve contact: %w", err))
	}

	result, sendErr := d.send(ctx, adapter, settings, contact, msg)
	sendErr = ClassifyAdapterError(msg.Channel, adapter.Provider(), sendErr)

	if sendErr == nil {
		result.Provider = adapter.Provider()
		if err := d.outbox.Complete(ctx, msg.ID); err != nil {
			d.logError(ctx, "complete message failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
		}
		if _, err := d.messages.RecordOutbound(ctx, msg, result); err != nil {
			d.logError(ctx, "record outbound message failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
		}
		d.observeDispatch(ctx, startedAt, msg, "sent", nil)
		return DispatchStats{Sent: 1}
	}

	var rejectedErr *RejectedError
	if errors.As(sendErr, &rejectedErr) {
		return d.failTerminal(ctx, msg, startedAt, sendErr)
	}
	return d.retryOrFail(ctx, msg, sendErr)
}

func (d *Dispatcher) send(
	ctx context.Context,
	adapter ChannelAdapter,
	settings ChannelSettings,
	contact Contact,
	msg OutboxMessage,
) (SendResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.Dispatcher.SendTimeout)
	defer cancel()

	if strings.TrimSpace(msg.TemplateID) != "" {
		if d.templates == nil {
			return SendResult{}, &RejectedError{
				Channel:  msg.Channel,
				Provider: adapter.Provider(),
				Reason:   "template sends are not configured",
			}
		}
		template, err := d.templates.Resolve(sendCtx, msg.TenantID, msg.TemplateID)
		if err != nil {
			return SendResult{}, fmt.Errorf("core: resolve template: %w", err)
		}
		if err := adapter.ValidateTemplate(template); err != nil {
			return SendResult{}, &RejectedError{
				Channel:  msg.Channel,
				Provider: adapter.Provider(),
				Reason:   "template validation failed",
				Cause:    err,
			}
		}
		return adapter.SendTemplate(sendCtx, settings, contact, template, templateVars(msg.Payload), msg.Payload)
	}

	text := payloadText(msg.Payload)
	return adapter.SendText(sendCtx, settings, contact, text, msg.Payload)
}

// retryOrFail applies the outcome policy for retryable failures: re-queue
// with exponential backoff while attempts remain, terminal failure
// otherwise. Permanent errors never reach here.
func (d *Dispatcher) retryOrFail(ctx context.Context, msg OutboxMessage, cause error) DispatchStats {
	startedAt := d.nowUTC()
	maxAttempts := msg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.config.Dispatcher.MaxAttempts
	}
	attempt := msg.Attempts + 1
	if attempt >= maxAttempts {
		return d.failTerminal(ctx, msg, startedAt, cause)
	}
	nextAttemptAt := startedAt.Add(d.nextBackoffDelay(attempt))
	if err := d.outbox.Retry(ctx, msg.ID, cause, nextAttemptAt); err != nil {
		d.logError(ctx, "retry message failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
	}
	d.observeDispatch(ctx, startedAt, msg, "retried", cause)
	return DispatchStats{Retried: 1}
}

func (d *Dispatcher) failTerminal(ctx context.Context, msg OutboxMessage, startedAt time.Time, cause error) DispatchStats {
	if err := d.outbox.Fail(ctx, msg.ID, cause); err != nil {
		d.logError(ctx, "fail message failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
	}
	d.observeDispatch(ctx, startedAt, msg, "failed", cause)
	return DispatchStats{Failed: 1}
}

func (d *Dispatcher) resolveSettings(ctx context.Context, msg OutboxMessage) (ChannelSettings, error) {
	encrypted, err := d.settings.Get(ctx, msg.TenantID, msg.Channel)
	if err != nil {
		return ChannelSettings{}, fmt.Errorf("core: resolve channel settings: %w", err)
	}
	plaintext, err := d.vault.Decrypt(ctx, encrypted.EncryptedCredential)
	if err != nil {
		return ChannelSettings{}, err
	}
	credentials := map[string]string{}
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &credentials); err != nil {
			return ChannelSettings{}, fmt.Errorf("core: decode channel credentials: %w", err)
		}
	}
	return ChannelSettings{
		TenantID:    encrypted.TenantID,
		Channel:     encrypted.Channel,
		Provider:    encrypted.Provider,
		Credentials: credentials,
		Metadata:    encrypted.Metadata,
	}, nil
}

func (d *Dispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.Dispatcher.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 {
		return d.config.Dispatcher.MaxBackoff
	}
	if next > d.config.Dispatcher.MaxBackoff {
		return d.config.Dispatcher.MaxBackoff
	}
	return next
}

func (d *Dispatcher) nowUTC() time.Time {
	if d != nil && d.now != nil {
		return d.now().UTC()
	}
	return time.Now().UTC()
}

func templateVars(payload map[string]any) map[string]string {
	raw, ok := payload["variables"].(map[string]any)
	if !ok {
		return map[string]string{}
	}
	vars := make(map[string]string, len(raw))
	for key, value := range raw {
		vars[key] = strings.TrimSpace(fmt.Sprint(value))
	}
	return vars
}

func payloadText(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	for _, key := range []string{"text", "body", "message"} {
		if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
