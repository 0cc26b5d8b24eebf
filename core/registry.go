package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChannelRegistry is the tagged-variant dispatch table keyed by channel.
// Each registered adapter owns its client and provider-specific error
// mapping.
type ChannelRegistry struct {
	mu         sync.RWMutex
	adapters   map[Channel]ChannelAdapter
	byProvider map[string]ChannelAdapter
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		adapters:   make(map[Channel]ChannelAdapter),
		byProvider: make(map[string]ChannelAdapter),
	}
}

func (r *ChannelRegistry) Register(adapter ChannelAdapter) error {
	if adapter == nil {
		return fmt.Errorf("core: adapter is nil")
	}
	channel := adapter.Channel()
	if !channel.Valid() {
		return fmt.Errorf("core: adapter channel %q is not valid", string(channel))
	}
	provider := strings.TrimSpace(strings.ToLower(adapter.Provider()))
	if provider == "" {
		return fmt.Errorf("core: adapter provider id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[channel]; exists {
		return fmt.Errorf("core: adapter already registered for channel: %s", channel)
	}
	if _, exists := r.byProvider[provider]; exists {
		return fmt.Errorf("core: adapter already registered for provider: %s", provider)
	}
	r.adapters[channel] = adapter
	r.byProvider[provider] = adapter
	return nil
}

func (r *ChannelRegistry) Get(channel Channel) (ChannelAdapter, bool) {
	r.mu.RLock()
	adapter, ok := r.adapters[channel]
	r.mu.RUnlock()
	return adapter, ok
}

func (r *ChannelRegistry) GetByProvider(provider string) (ChannelAdapter, bool) {
	id := strings.TrimSpace(strings.ToLower(provider))
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	adapter, ok := r.byProvider[id]
	r.mu.RUnlock()
	return adapter, ok
}

func (r *ChannelRegistry) List() []ChannelAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for channel := range r.adapters {
		keys = append(keys, string(channel))
	}
	sort.Strings(keys)
	adapters := make([]ChannelAdapter, 0, len(keys))
	for _, key := range keys {
		adapters = append(adapters, r.adapters[Channel(key)])
	}
	return adapters
}

var _ AdapterRegistry = (*ChannelRegistry)(nil)
