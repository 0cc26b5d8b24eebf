package core

import (
	"context"
	"sort"
	"strings"
	"time"
)

// observeDispatch records the per-message outcome counter, latency histogram,
// and a structured log line for a single dispatch attempt.
func (d *Dispatcher) observeDispatch(
	ctx context.Context,
	startedAt time.Time,
	msg OutboxMessage,
	outcome string,
	err error,
) {
	if d == nil {
		return
	}
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		outcome = "unknown"
	}

	fields := map[string]any{
		"event_type":  "dispatch." + outcome,
		"message_id":  msg.ID,
		"tenant_id":   msg.TenantID,
		"channel":     string(msg.Channel),
		"attempt":     msg.Attempts + 1,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	tags := map[string]string{
		"channel": string(msg.Channel),
		"outcome": outcome,
	}
	d.recordCounter(ctx, "outbound.dispatch.total", 1, tags)
	d.recordHistogram(ctx, "outbound.dispatch.duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		d.logError(ctx, "dispatch "+outcome, fields)
		return
	}
	d.logInfo(ctx, "dispatch "+outcome, fields)
}

func (d *Dispatcher) logInfo(ctx context.Context, message string, fields map[string]any) {
	d.logWithLevel(ctx, "info", message, fields)
}

func (d *Dispatcher) logError(ctx context.Context, message string, fields map[string]any) {
	d.logWithLevel(ctx, "error", message, fields)
}

func (d *Dispatcher) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if d == nil || d.logger == nil {
		return
	}
	logger := d.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (d *Dispatcher) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (d *Dispatcher) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}
