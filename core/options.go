package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type dispatcherBuilder struct {
	runtimeConfig    Config
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	errorMapper      ErrorMapper
	configProvider   ConfigProvider
	optionsResolver  OptionsResolver
	registry         AdapterRegistry
	outboxStore      OutboxStore
	messageStore     MessageStore
	settingsStore    SettingsStore
	contactResolver  ContactResolver
	templateResolver TemplateResolver
	secretProvider   SecretProvider
	sendGate         SendGate
	now              func() time.Time
}

type Option func(*dispatcherBuilder)

func WithLogger(logger Logger) Option {
	return func(b *dispatcherBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *dispatcherBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *dispatcherBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *dispatcherBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *dispatcherBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *dispatcherBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRegistry(registry AdapterRegistry) Option {
	return func(b *dispatcherBuilder) {
		b.registry = registry
	}
}

func WithOutboxStore(store OutboxStore) Option {
	return func(b *dispatcherBuilder) {
		b.outboxStore = store
	}
}

func WithMessageStore(store MessageStore) Option {
	return func(b *dispatcherBuilder) {
		b.messageStore = store
	}
}

func WithSettingsStore(store SettingsStore) Option {
	return func(b *dispatcherBuilder) {
		b.settingsStore = store
	}
}

func WithContactResolver(resolver ContactResolver) Option {
	return func(b *dispatcherBuilder) {
		b.contactResolver = resolver
	}
}

func WithTemplateResolver(resolver TemplateResolver) Option {
	return func(b *dispatcherBuilder) {
		b.templateResolver = resolver
	}
}

func WithSecretProvider(provider SecretProvider) Option {
	return func(b *dispatcherBuilder) {
		b.secretProvider = provider
	}
}

func WithSendGate(gate SendGate) Option {
	return func(b *dispatcherBuilder) {
		b.sendGate = gate
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(b *dispatcherBuilder) {
		if now != nil {
			b.now = now
		}
	}
}

func defaultDispatcherBuilder(runtime Config) dispatcherBuilder {
	loggerProvider, logger := glog.Resolve("outbound", nil, nil)
	return dispatcherBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		registry:        NewChannelRegistry(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return messagingErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	dispatcher := map[string]any{}
	if includeZero || cfg.Dispatcher.Workers > 0 {
		dispatcher["workers"] = cfg.Dispatcher.Workers
	}
	if includeZero || cfg.Dispatcher.BatchSize > 0 {
		dispatcher["batch_size"] = cfg.Dispatcher.BatchSize
	}
	if includeZero || cfg.Dispatcher.PollInterval > 0 {
		dispatcher["poll_interval"] = cfg.Dispatcher.PollInterval
	}
	if includeZero || cfg.Dispatcher.LeaseDuration > 0 {
		dispatcher["lease_duration"] = cfg.Dispatcher.LeaseDuration
	}
	if includeZero || cfg.Dispatcher.MaxAttempts > 0 {
		dispatcher["max_attempts"] = cfg.Dispatcher.MaxAttempts
	}
	if includeZero || cfg.Dispatcher.InitialBackoff > 0 {
		dispatcher["initial_backoff"] = cfg.Dispatcher.InitialBackoff
	}
	if includeZero || cfg.Dispatcher.MaxBackoff > 0 {
		dispatcher["max_backoff"] = cfg.Dispatcher.MaxBackoff
	}
	if includeZero || cfg.Dispatcher.SendTimeout > 0 {
		dispatcher["send_timeout"] = cfg.Dispatcher.SendTimeout
	}
	if len(dispatcher) > 0 {
		layer["dispatcher"] = dispatcher
	}

	webhooks := map[string]any{}
	if includeZero || cfg.Webhooks.RetryBaseDelay > 0 {
		webhooks["retry_base_delay"] = cfg.Webhooks.RetryBaseDelay
	}
	if includeZero || cfg.Webhooks.RetryMaxDelay > 0 {
		webhooks["retry_max_delay"] = cfg.Webhooks.RetryMaxDelay
	}
	if includeZero || cfg.Webhooks.RetryCeiling > 0 {
		webhooks["retry_ceiling"] = cfg.Webhooks.RetryCeiling
	}
	if includeZero || cfg.Webhooks.ReprocessBatch > 0 {
		webhooks["reprocess_batch"] = cfg.Webhooks.ReprocessBatch
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}
	return layer
}
