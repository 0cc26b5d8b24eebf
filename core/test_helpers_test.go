package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(start time.Time) *stubClock {
	return &stubClock{now: start.UTC()}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryOutboxStore struct {
	mu       sync.Mutex
	seq      int
	messages map[string]*OutboxMessage
	now      func() time.Time
}

func newMemoryOutboxStore(now func() time.Time) *memoryOutboxStore {
	return &memoryOutboxStore{
		messages: map[string]*OutboxMessage{},
		now:      now,
	}
}

func (s *memoryOutboxStore) Enqueue(_ context.Context, in EnqueueInput) (OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now()
	msg := &OutboxMessage{
		ID:             fmt.Sprintf("out-%03d", s.seq),
		TenantID:       in.TenantID,
		ContactID:      in.ContactID,
		ConversationID: in.ConversationID,
		Channel:        in.Channel,
		MessageType:    in.MessageType,
		TemplateID:     in.TemplateID,
		Payload:        in.Payload,
		ScheduledAt:    in.ScheduledAt,
		MaxAttempts:    in.MaxAttempts,
		Status:         OutboxStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[msg.ID] = msg
	return *msg, nil
}

func (s *memoryOutboxStore) Lease(_ context.Context, limit int, leaseFor time.Duration) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := make([]string, 0, len(s.messages))
	for id, msg := range s.messages {
		eligible := msg.Status == OutboxStatusQueued &&
			(msg.ScheduledAt == nil || !msg.ScheduledAt.After(now))
		abandoned := msg.Status == OutboxStatusSending &&
			msg.LockedUntil != nil && msg.LockedUntil.Before(now)
		if eligible || abandoned {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	leased := make([]OutboxMessage, 0, len(ids))
	until := now.Add(leaseFor)
	for _, id := range ids {
		msg := s.messages[id]
		msg.Status = OutboxStatusSending
		msg.LockedUntil = &until
		msg.UpdatedAt = now
		leased = append(leased, *msg)
	}
	return leased, nil
}

func (s *memoryOutboxStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("outbox message not found: %s", id)
	}
	msg.Status = OutboxStatusDone
	msg.Attempts++
	msg.LockedUntil = nil
	msg.UpdatedAt = s.now()
	return nil
}

func (s *memoryOutboxStore) Retry(_ context.Context, id string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("outbox message not found: %s", id)
	}
	msg.Status = OutboxStatusQueued
	msg.Attempts++
	msg.LastError = cause.Error()
	msg.ScheduledAt = &nextAttemptAt
	msg.LockedUntil = nil
	msg.UpdatedAt = s.now()
	return nil
}

func (s *memoryOutboxStore) Fail(_ context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("outbox message not found: %s", id)
	}
	msg.Status = OutboxStatusFailed
	msg.Attempts++
	msg.LastError = cause.Error()
	msg.LockedUntil = nil
	msg.UpdatedAt = s.now()
	return nil
}

func (s *memoryOutboxStore) Release(_ context.Context, id string, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("outbox message not found: %s", id)
	}
	msg.Status = OutboxStatusQueued
	msg.ScheduledAt = &scheduledAt
	msg.LockedUntil = nil
	msg.UpdatedAt = s.now()
	return nil
}

func (s *memoryOutboxStore) Get(_ context.Context, id string) (OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return OutboxMessage{}, fmt.Errorf("outbox message not found: %s", id)
	}
	return *msg, nil
}

var _ OutboxStore = (*memoryOutboxStore)(nil)

type memoryMessageStore struct {
	mu       sync.Mutex
	seq      int
	messages map[string]*Message
	events   []MessageEvent
	now      func() time.Time
}

func newMemoryMessageStore(now func() time.Time) *memoryMessageStore {
	return &memoryMessageStore{
		messages: map[string]*Message{},
		now:      now,
	}
}

func (s *memoryMessageStore) RecordOutbound(_ context.Context, msg OutboxMessage, result SendResult) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now()
	record := &Message{
		ID:                fmt.Sprintf("msg-%03d", s.seq),
		TenantID:          msg.TenantID,
		ContactID:         msg.ContactID,
		ConversationID:    msg.ConversationID,
		Channel:           msg.Channel,
		Direction:         DirectionOutbound,
		Status:            MessageStatusSent,
		Provider:          result.Provider,
		ProviderMessageID: result.ProviderMessageID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.messages[record.ID] = record
	s.events = append(s.events, MessageEvent{
		ID:        fmt.Sprintf("evt-%03d", len(s.events)+1),
		MessageID: record.ID,
		Type:      EventSent,
		CreatedAt: now,
	})
	return *record, nil
}

func (s *memoryMessageStore) Get(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message not found: %s", id)
	}
	return *record, nil
}

func (s *memoryMessageStore) FindByProviderMessageID(_ context.Context, provider string, providerMessageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.messages {
		if record.ProviderMessageID == providerMessageID {
			return *record, nil
		}
	}
	return Message{}, fmt.Errorf("message not found for provider id: %s", providerMessageID)
}

func (s *memoryMessageStore) AppendEvent(_ context.Context, in AppendEventInput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ProviderEventID != "" {
		for _, event := range s.events {
			if event.Provider == in.Provider && event.ProviderEventID == in.ProviderEventID {
				return false, nil
			}
		}
	}
	s.events = append(s.events, MessageEvent{
		ID:              fmt.Sprintf("evt-%03d", len(s.events)+1),
		MessageID:       in.MessageID,
		Type:            in.Type,
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		Raw:             in.Raw,
		CreatedAt:       s.now(),
	})
	return true, nil
}

func (s *memoryMessageStore) AdvanceStatus(_ context.Context, messageID string, next MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message not found: %s", messageID)
	}
	if record.Status.Supersedes(next) {
		record.Status = next
		record.UpdatedAt = s.now()
	}
	return nil
}

func (s *memoryMessageStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var _ MessageStore = (*memoryMessageStore)(nil)

type memorySettingsStore struct {
	mu       sync.Mutex
	settings map[string]EncryptedChannelSettings
}

func newMemorySettingsStore() *memorySettingsStore {
	return &memorySettingsStore{settings: map[string]EncryptedChannelSettings{}}
}

func (s *memorySettingsStore) put(settings EncryptedChannelSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.TenantID+"|"+string(settings.Channel)] = settings
}

func (s *memorySettingsStore) Get(_ context.Context, tenantID string, channel Channel) (EncryptedChannelSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[tenantID+"|"+string(channel)]
	if !ok {
		return EncryptedChannelSettings{}, fmt.Errorf("channel settings not found: %s/%s", tenantID, channel)
	}
	return settings, nil
}

var _ SettingsStore = (*memorySettingsStore)(nil)

// plainSecretProvider passes payloads through unchanged so store fixtures can
// hold readable credential JSON.
type plainSecretProvider struct {
	decryptErr error
}

func (p plainSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (p plainSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p.decryptErr != nil {
		return nil, p.decryptErr
	}
	return ciphertext, nil
}

var _ SecretProvider = plainSecretProvider{}

type staticContactResolver struct {
	contact Contact
}

func (r staticContactResolver) Resolve(_ context.Context, tenantID string, contactID string) (Contact, error) {
	contact := r.contact
	contact.ID = contactID
	contact.TenantID = tenantID
	return contact, nil
}

var _ ContactResolver = staticContactResolver{}

type staticTemplateResolver struct {
	template Template
	err      error
}

func (r staticTemplateResolver) Resolve(context.Context, string, string) (Template, error) {
	if r.err != nil {
		return Template{}, r.err
	}
	return r.template, nil
}

var _ TemplateResolver = staticTemplateResolver{}

// scriptedAdapter returns queued outcomes in order; once the script is
// exhausted every send succeeds.
type scriptedAdapter struct {
	mu       sync.Mutex
	channel  Channel
	provider string
	script   []error
	calls    int
	contacts []Contact
	validate error
}

func (a *scriptedAdapter) Channel() Channel {
	return a.channel
}

func (a *scriptedAdapter) Provider() string {
	if a.provider == "" {
		return "scripted"
	}
	return a.provider
}

func (a *scriptedAdapter) next() (SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.script) > 0 {
		err := a.script[0]
		a.script = a.script[1:]
		if err != nil {
			return SendResult{}, err
		}
	}
	return SendResult{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("prov-%03d", a.calls),
	}, nil
}

func (a *scriptedAdapter) SendText(_ context.Context, _ ChannelSettings, contact Contact, _ string, _ map[string]any) (SendResult, error) {
	a.recordContact(contact)
	return a.next()
}

func (a *scriptedAdapter) SendTemplate(_ context.Context, _ ChannelSettings, contact Contact, _ Template, _ map[string]string, _ map[string]any) (SendResult, error) {
	a.recordContact(contact)
	return a.next()
}

func (a *scriptedAdapter) recordContact(contact Contact) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contacts = append(a.contacts, contact)
}

func (a *scriptedAdapter) sentContacts() []Contact {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Contact(nil), a.contacts...)
}

func (a *scriptedAdapter) ValidateTemplate(Template) error {
	return a.validate
}

func (a *scriptedAdapter) ParseWebhook([]byte, map[string]string) ([]ProviderEvent, error) {
	return nil, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var _ ChannelAdapter = (*scriptedAdapter)(nil)

type scriptedGate struct {
	mu        sync.Mutex
	decisions []GateDecision
	err       error
}

func (g *scriptedGate) Acquire(context.Context, string, string, time.Time) (GateDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return GateDecision{}, g.err
	}
	if len(g.decisions) == 0 {
		return GateDecision{Allowed: true}, nil
	}
	decision := g.decisions[0]
	g.decisions = g.decisions[1:]
	return decision, nil
}

var _ SendGate = (*scriptedGate)(nil)
