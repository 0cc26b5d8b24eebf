package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-outbound/core"
)

type fakeMessageStore struct {
	mu       sync.Mutex
	messages map[string]*core.Message
	events   []core.MessageEvent
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: map[string]*core.Message{}}
}

func (s *fakeMessageStore) addMessage(msg core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := msg
	s.messages[msg.ID] = &copied
}

func (s *fakeMessageStore) RecordOutbound(context.Context, core.OutboxMessage, core.SendResult) (core.Message, error) {
	return core.Message{}, fmt.Errorf("not used in this test")
}

func (s *fakeMessageStore) Get(_ context.Context, id string) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return core.Message{}, fmt.Errorf("message not found: %s", id)
	}
	return *msg, nil
}

func (s *fakeMessageStore) FindByProviderMessageID(_ context.Context, _ string, providerMessageID string) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ProviderMessageID == providerMessageID {
			return *msg, nil
		}
	}
	return core.Message{}, fmt.Errorf("message not found for provider id: %s", providerMessageID)
}

func (s *fakeMessageStore) AppendEvent(_ context.Context, in core.AppendEventInput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ProviderEventID != "" {
		for _, event := range s.events {
			if event.Provider == in.Provider && event.ProviderEventID == in.ProviderEventID {
				return false, nil
			}
		}
	}
	s.events = append(s.events, core.MessageEvent{
		ID:              fmt.Sprintf("evt-%03d", len(s.events)+1),
		MessageID:       in.MessageID,
		Type:            in.Type,
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		Raw:             in.Raw,
	})
	return true, nil
}

func (s *fakeMessageStore) AdvanceStatus(_ context.Context, messageID string, next core.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message not found: %s", messageID)
	}
	if msg.Status.Supersedes(next) {
		msg.Status = next
	}
	return nil
}

func (s *fakeMessageStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeMessageStore) status(id string) core.MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		return msg.Status
	}
	return ""
}

var _ core.MessageStore = (*fakeMessageStore)(nil)

type fakeFailedStore struct {
	mu      sync.Mutex
	seq     int
	records map[string]*core.FailedWebhook
}

func newFakeFailedStore() *fakeFailedStore {
	return &fakeFailedStore{records: map[string]*core.FailedWebhook{}}
}

func (s *fakeFailedStore) Save(_ context.Context, in core.SaveFailedWebhookInput) (core.FailedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	record := &core.FailedWebhook{
		ID:            fmt.Sprintf("fw-%03d", s.seq),
		Channel:       in.Channel,
		Provider:      in.Provider,
		Kind:          in.Kind,
		Payload:       in.Payload,
		Headers:       in.Headers,
		LastError:     in.LastError,
		NextAttemptAt: in.NextAttemptAt,
		Status:        core.FailedWebhookPending,
	}
	s.records[record.ID] = record
	return *record, nil
}

func (s *fakeFailedStore) ListDue(_ context.Context, now time.Time, limit int) ([]core.FailedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []core.FailedWebhook{}
	for _, record := range s.records {
		if record.Status == core.FailedWebhookPending && !record.NextAttemptAt.After(now) {
			due = append(due, *record)
		}
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *fakeFailedStore) MarkRetried(_ context.Context, id string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record not found: %s", id)
	}
	record.RetryCount++
	record.LastError = cause.Error()
	record.NextAttemptAt = nextAttemptAt
	return nil
}

func (s *fakeFailedStore) MarkDead(_ context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record not found: %s", id)
	}
	record.Status = core.FailedWebhookDead
	record.LastError = cause.Error()
	return nil
}

func (s *fakeFailedStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("record not found: %s", id)
	}
	delete(s.records, id)
	return nil
}

func (s *fakeFailedStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeFailedStore) first() core.FailedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		return *record
	}
	return core.FailedWebhook{}
}

var _ core.FailedWebhookStore = (*fakeFailedStore)(nil)

// parsingAdapter decodes the JSON event envelope used by the tests.
type parsingAdapter struct {
	channel  core.Channel
	provider string
}

func (a parsingAdapter) Channel() core.Channel { return a.channel }
func (a parsingAdapter) Provider() string      { return a.provider }

func (a parsingAdapter) SendText(context.Context, core.ChannelSettings, core.Contact, string, map[string]any) (core.SendResult, error) {
	return core.SendResult{}, fmt.Errorf("not used in this test")
}

func (a parsingAdapter) SendTemplate(context.Context, core.ChannelSettings, core.Contact, core.Template, map[string]string, map[string]any) (core.SendResult, error) {
	return core.SendResult{}, fmt.Errorf("not used in this test")
}

func (a parsingAdapter) ValidateTemplate(core.Template) error { return nil }

func (a parsingAdapter) ParseWebhook(body []byte, _ map[string]string) ([]core.ProviderEvent, error) {
	var payload struct {
		Events []struct {
			Type      string `json:"type"`
			EventID   string `json:"event_id"`
			MessageID string `json:"message_id"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	events := make([]core.ProviderEvent, 0, len(payload.Events))
	for _, event := range payload.Events {
		events = append(events, core.ProviderEvent{
			Type:              core.EventType(event.Type),
			Provider:          a.provider,
			ProviderEventID:   event.EventID,
			ProviderMessageID: event.MessageID,
		})
	}
	return events, nil
}

var _ core.ChannelAdapter = parsingAdapter{}

type reconcilerFixture struct {
	messages   *fakeMessageStore
	failed     *fakeFailedStore
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	registry := core.NewChannelRegistry()
	if err := registry.Register(parsingAdapter{channel: core.ChannelWhatsApp, provider: "whatsapp_cloud"}); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	messages := newFakeMessageStore()
	failed := newFakeFailedStore()
	reconciler := NewReconciler(registry, messages, failed, NewWhatsAppWebhookTemplate("app-secret"))
	reconciler.Now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return &reconcilerFixture{messages: messages, failed: failed, reconciler: reconciler}
}

func signedDelivery(t *testing.T, events ...map[string]string) ([]byte, map[string]string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	headers := map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("app-secret", body)}
	return body, headers
}

func TestReconcilerAppliesAndAdvancesStatus(t *testing.T) {
	fixture := newReconcilerFixture(t)
	fixture.messages.addMessage(core.Message{
		ID:                "msg-1",
		Status:            core.MessageStatusSent,
		ProviderMessageID: "wamid.1",
	})

	body, headers := signedDelivery(t, map[string]string{
		"type": "delivered", "event_id": "evt-a", "message_id": "wamid.1",
	})
	result, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if !result.OK || result.Applied != 1 {
		t.Fatalf("expected 1 applied event, got %+v", result)
	}
	if got := fixture.messages.status("msg-1"); got != core.MessageStatusDelivered {
		t.Fatalf("expected status delivered, got %s", got)
	}
}

func TestReconcilerReplayedDeliveryIsIdempotent(t *testing.T) {
	fixture := newReconcilerFixture(t)
	fixture.messages.addMessage(core.Message{
		ID:                "msg-1",
		Status:            core.MessageStatusSent,
		ProviderMessageID: "wamid.1",
	})

	body, headers := signedDelivery(t, map[string]string{
		"type": "delivered", "event_id": "evt-a", "message_id": "wamid.1",
	})
	for i := 0; i < 2; i++ {
		if _, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers); err != nil {
			t.Fatalf("Ingest %d returned error: %v", i, err)
		}
	}

	if got := fixture.messages.eventCount(); got != 1 {
		t.Fatalf("expected exactly 1 stored event after replay, got %d", got)
	}

	result, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if !result.OK || !result.Deduped {
		t.Fatalf("expected deduped result, got %+v", result)
	}
}

func TestReconcilerLateEventNeverDowngradesStatus(t *testing.T) {
	fixture := newReconcilerFixture(t)
	fixture.messages.addMessage(core.Message{
		ID:                "msg-1",
		Status:            core.MessageStatusSent,
		ProviderMessageID: "wamid.1",
	})

	body, headers := signedDelivery(t, map[string]string{
		"type": "opened", "event_id": "evt-open", "message_id": "wamid.1",
	})
	if _, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	// The delivered notification arrives after opened.
	body, headers = signedDelivery(t, map[string]string{
		"type": "delivered", "event_id": "evt-late", "message_id": "wamid.1",
	})
	if _, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	if got := fixture.messages.status("msg-1"); got != core.MessageStatusOpened {
		t.Fatalf("late delivered event must not downgrade opened, got %s", got)
	}
	// The late event itself is still appended to the stream.
	if got := fixture.messages.eventCount(); got != 2 {
		t.Fatalf("expected both events stored, got %d", got)
	}
}

func TestReconcilerVerificationFailureParksRecord(t *testing.T) {
	fixture := newReconcilerFixture(t)

	body := []byte(`{"events":[]}`)
	headers := map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("wrong-secret", body)}

	result, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers)
	if err != nil {
		t.Fatalf("verification failure must not propagate as an error, got %v", err)
	}
	if result.OK || result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 rejection, got %+v", result)
	}
	if result.Reason != "verification_failed" {
		t.Fatalf("expected verification_failed reason, got %q", result.Reason)
	}

	if fixture.failed.count() != 1 {
		t.Fatalf("expected 1 parked record, got %d", fixture.failed.count())
	}
	record := fixture.failed.first()
	if record.Kind != core.FailedWebhookVerification {
		t.Fatalf("expected verification kind, got %s", record.Kind)
	}
	if record.Status != core.FailedWebhookPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if fixture.messages.eventCount() != 0 {
		t.Fatal("unverified payload must never touch the event stream")
	}
}

func TestReconcilerProcessingFailureParksRecord(t *testing.T) {
	fixture := newReconcilerFixture(t)

	// No message exists for this provider id yet.
	body, headers := signedDelivery(t, map[string]string{
		"type": "delivered", "event_id": "evt-a", "message_id": "wamid.unknown",
	})
	result, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers)
	if err != nil {
		t.Fatalf("processing failure must not propagate as an error, got %v", err)
	}
	if result.OK || result.StatusCode != http.StatusAccepted {
		t.Fatalf("expected accepted-but-parked result, got %+v", result)
	}

	record := fixture.failed.first()
	if record.Kind != core.FailedWebhookProcessing {
		t.Fatalf("expected processing kind, got %s", record.Kind)
	}
}

func TestReconcilerUnknownProvider(t *testing.T) {
	fixture := newReconcilerFixture(t)
	result, err := fixture.reconciler.Ingest(context.Background(), "nobody", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if result.OK || result.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not-found rejection, got %+v", result)
	}
}

func TestReprocessorRecoversOnceMessageAppears(t *testing.T) {
	fixture := newReconcilerFixture(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	body, headers := signedDelivery(t, map[string]string{
		"type": "delivered", "event_id": "evt-a", "message_id": "wamid.late",
	})
	if _, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if fixture.failed.count() != 1 {
		t.Fatal("expected parked record")
	}

	reprocessor := NewReprocessor(fixture.reconciler, fixture.failed, core.WebhookConfig{
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  30 * time.Minute,
		RetryCeiling:   8,
		ReprocessBatch: 25,
	})
	reprocessor.Now = func() time.Time { return now.Add(time.Minute) }

	// First sweep: the message still does not exist, so the record moves to
	// its next backoff slot.
	stats, err := reprocessor.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Retried != 1 || stats.Recovered != 0 {
		t.Fatalf("expected 1 retried, got %+v", stats)
	}
	record := fixture.failed.first()
	if record.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", record.RetryCount)
	}
	if !record.NextAttemptAt.After(now.Add(time.Minute)) {
		t.Fatalf("expected next attempt pushed forward, got %v", record.NextAttemptAt)
	}

	// The outbox catches up, then the next due sweep recovers the record.
	fixture.messages.addMessage(core.Message{
		ID:                "msg-1",
		Status:            core.MessageStatusSent,
		ProviderMessageID: "wamid.late",
	})
	reprocessor.Now = func() time.Time { return record.NextAttemptAt.Add(time.Second) }
	stats, err = reprocessor.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Recovered != 1 {
		t.Fatalf("expected 1 recovered, got %+v", stats)
	}
	if fixture.failed.count() != 0 {
		t.Fatal("recovered record must be deleted")
	}
	if got := fixture.messages.status("msg-1"); got != core.MessageStatusDelivered {
		t.Fatalf("expected replay to apply the event, got status %s", got)
	}
}

func TestReprocessorCeilingParksRecordDead(t *testing.T) {
	fixture := newReconcilerFixture(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	body, headers := signedDelivery(t, map[string]string{
		"type": "delivered", "event_id": "evt-a", "message_id": "wamid.never",
	})
	if _, err := fixture.reconciler.Ingest(context.Background(), "whatsapp_cloud", body, headers); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	reprocessor := NewReprocessor(fixture.reconciler, fixture.failed, core.WebhookConfig{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		RetryCeiling:   3,
		ReprocessBatch: 25,
	})

	sweep := now.Add(time.Minute)
	var last ReprocessStats
	for i := 0; i < 5; i++ {
		reprocessor.Now = func() time.Time { return sweep }
		stats, err := reprocessor.Run(context.Background())
		if err != nil {
			t.Fatalf("Run %d returned error: %v", i, err)
		}
		last = stats
		if stats.Dead > 0 {
			break
		}
		sweep = fixture.failed.first().NextAttemptAt.Add(time.Second)
	}

	if last.Dead != 1 {
		t.Fatalf("expected record to go dead at the ceiling, got %+v", last)
	}
	record := fixture.failed.first()
	if record.Status != core.FailedWebhookDead {
		t.Fatalf("expected dead status, got %s", record.Status)
	}
	if fixture.failed.count() != 1 {
		t.Fatal("dead records are parked, never dropped")
	}

	// Dead records are no longer picked up.
	reprocessor.Now = func() time.Time { return sweep.Add(time.Hour) }
	stats, err := reprocessor.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Due != 0 {
		t.Fatalf("dead record must not be due, got %+v", stats)
	}
}

func TestReplayVerificationKindRepeatsSignatureCheck(t *testing.T) {
	fixture := newReconcilerFixture(t)

	body := []byte(`{"events":[]}`)
	record := core.FailedWebhook{
		ID:       "fw-1",
		Provider: "whatsapp_cloud",
		Kind:     core.FailedWebhookVerification,
		Payload:  body,
		Headers:  map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("wrong-secret", body)},
	}
	err := fixture.reconciler.Replay(context.Background(), record)
	var verificationErr *core.VerificationError
	if !errors.As(err, &verificationErr) {
		t.Fatalf("expected verification error on replay, got %v", err)
	}

	record.Headers = map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("app-secret", body)}
	if err := fixture.reconciler.Replay(context.Background(), record); err != nil {
		t.Fatalf("expected replay with fixed secret to pass, got %v", err)
	}
}
