package di

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/samber/lo"

	"github.com/omarluq/gem-relay/internal/cache"
	"github.com/omarluq/gem-relay/internal/config"
	"github.com/omarluq/gem-relay/internal/health"
	"github.com/omarluq/gem-relay/internal/keypool"
	"github.com/omarluq/gem-relay/internal/proxy"
	"github.com/omarluq/gem-relay/internal/ratelimit"
	"github.com/omarluq/gem-relay/internal/relay"
	"github.com/omarluq/gem-relay/internal/report"
	"github.com/omarluq/gem-relay/internal/store"
	"github.com/omarluq/gem-relay/internal/upstream"
	"github.com/omarluq/gem-relay/internal/usage"
)

// Service wrapper types for DI registration.

// ConfigService wraps the loaded configuration and its runtime handle.
type ConfigService struct {
	Runtime *config.Runtime
}

// Config returns the current configuration snapshot.
func (s *ConfigService) Config() *config.Config {
	return s.Runtime.Get()
}

// LoggerService wraps the zerolog logger.
type LoggerService struct {
	Logger zerolog.Logger
}

// TrackerService wraps the usage tracker.
type TrackerService struct {
	Tracker *usage.Tracker
}

// RegistryService wraps the key registry.
type RegistryService struct {
	Registry *keypool.Registry
}

// ScoresService wraps the score cache.
type ScoresService struct {
	Scores *keypool.ScoreCache
}

// PickerService wraps the key picker.
type PickerService struct {
	Picker *keypool.Picker
}

// HealthTrackerService wraps the per-model circuit tracker.
type HealthTrackerService struct {
	Tracker *health.Tracker
}

// UpstreamService wraps the Gemini client.
type UpstreamService struct {
	Client *upstream.Client
}

// OrchestratorService wraps the relay orchestrator.
type OrchestratorService struct {
	Orchestrator *relay.Orchestrator
}

// StoreService wraps the optional conversation store. Store is nil when
// context persistence is disabled.
type StoreService struct {
	Store *store.Store
}

// Shutdown closes the store.
func (s *StoreService) Shutdown() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// ReporterService wraps the usage reporter and reset job.
type ReporterService struct {
	Reporter *report.Reporter
	ResetJob *report.DailyResetJob
}

// ThrottleService wraps the per-credential client limiters.
type ThrottleService struct {
	Limiters *ratelimit.ClientLimiters
}

// HandlerService wraps the HTTP route table.
type HandlerService struct {
	Handler http.Handler
}

// ServerService wraps the HTTP server.
type ServerService struct {
	Server *proxy.Server
}

// RegisterSingletons registers all providers in dependency order.
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewTracker)
	do.Provide(i, NewRegistry)
	do.Provide(i, NewScores)
	do.Provide(i, NewPicker)
	do.Provide(i, NewHealthTracker)
	do.Provide(i, NewUpstreamClient)
	do.Provide(i, NewOrchestrator)
	do.Provide(i, NewStore)
	do.Provide(i, NewReporter)
	do.Provide(i, NewThrottle)
	do.Provide(i, NewRoutes)
	do.Provide(i, NewHTTPServer)
}

// NewConfig loads and validates the configuration.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &ConfigService{Runtime: config.NewRuntime(cfg)}, nil
}

// NewLogger creates the zerolog logger from configuration.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	logger, err := proxy.NewLogger(cfgSvc.Config().Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &LoggerService{Logger: logger}, nil
}

// NewTracker creates the usage tracker with the configured window.
func NewTracker(i do.Injector) (*TrackerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	return &TrackerService{
		Tracker: usage.NewTracker(cfgSvc.Config().Selection.GetWindow()),
	}, nil
}

// NewRegistry builds the key registry from the resolved key sources and wires
// removal cleanup into the usage tracker.
func NewRegistry(i do.Injector) (*RegistryService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	trackerSvc := do.MustInvoke[*TrackerService](i)

	rawKeys, err := cfgSvc.Config().Keys.Resolve()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve keys: %w", err)
	}
	keyCfgs, err := proxy.PoolKeyConfigs(rawKeys)
	if err != nil {
		return nil, err
	}

	registry := keypool.NewRegistry(keyCfgs)
	registry.OnRemove(trackerSvc.Tracker.RemoveKey)

	return &RegistryService{Registry: registry}, nil
}

// limitsFunc adapts the live config's per-model limits for scoring and
// pre-flight checks.
func limitsFunc(rt config.RuntimeConfig) keypool.LimitsFunc {
	return func(model string) (usage.Limits, bool) {
		ml, ok := rt.Get().LimitsFor(model)
		if !ok {
			return usage.Limits{}, false
		}
		return usage.Limits{
			RPM:      ml.GetRPM(),
			RPD:      ml.GetRPD(),
			TPMInput: ml.GetTPMInput(),
			TPDInput: ml.GetTPDInput(),
		}, true
	}
}

// NewScores creates the score cache and wires key-removal cleanup.
func NewScores(i do.Injector) (*ScoresService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	trackerSvc := do.MustInvoke[*TrackerService](i)
	registrySvc := do.MustInvoke[*RegistryService](i)

	scores := keypool.NewScoreCache(
		registrySvc.Registry,
		trackerSvc.Tracker,
		limitsFunc(cfgSvc.Runtime),
		cfgSvc.Config().Selection.GetRefreshInterval(),
	)
	registrySvc.Registry.OnRemove(scores.RemoveKey)

	return &ScoresService{Scores: scores}, nil
}

// NewPicker creates the key picker with the configured fallback strategy.
func NewPicker(i do.Injector) (*PickerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	trackerSvc := do.MustInvoke[*TrackerService](i)
	registrySvc := do.MustInvoke[*RegistryService](i)
	scoresSvc := do.MustInvoke[*ScoresService](i)

	selection := cfgSvc.Config().Selection
	fallback, err := keypool.NewFallbackSelector(selection.FallbackStrategy)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback strategy: %w", err)
	}

	picker := keypool.NewPicker(
		registrySvc.Registry,
		scoresSvc.Scores,
		trackerSvc.Tracker,
		fallback,
		selection.GetNearBestBand(),
	)
	return &PickerService{Picker: picker}, nil
}

// NewHealthTracker creates the per-model circuit breaker tracker.
func NewHealthTracker(i do.Injector) (*HealthTrackerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	return &HealthTrackerService{
		Tracker: health.NewTracker(cfgSvc.Config().Breaker, &loggerSvc.Logger),
	}, nil
}

// NewUpstreamClient creates the Gemini API client.
func NewUpstreamClient(i do.Injector) (*UpstreamService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	up := cfgSvc.Config().Upstream
	return &UpstreamService{
		Client: upstream.NewClient(up.GetBaseURL(), up.GetTimeout()),
	}, nil
}

// NewOrchestrator assembles the relay orchestrator.
func NewOrchestrator(i do.Injector) (*OrchestratorService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	trackerSvc := do.MustInvoke[*TrackerService](i)
	registrySvc := do.MustInvoke[*RegistryService](i)
	scoresSvc := do.MustInvoke[*ScoresService](i)
	pickerSvc := do.MustInvoke[*PickerService](i)
	healthSvc := do.MustInvoke[*HealthTrackerService](i)
	upstreamSvc := do.MustInvoke[*UpstreamService](i)

	retry := cfgSvc.Config().Retry
	orch := relay.New(
		registrySvc.Registry,
		pickerSvc.Picker,
		scoresSvc.Scores,
		trackerSvc.Tracker,
		upstreamSvc.Client,
		healthSvc.Tracker,
		limitsFunc(cfgSvc.Runtime),
		retry.GetCooldown(),
		retry.GetMaxBackoff(),
		loggerSvc.Logger,
	)
	return &OrchestratorService{Orchestrator: orch}, nil
}

// NewStore creates the conversation store when context persistence is
// enabled, fronted by the configured cache backend.
func NewStore(i do.Injector) (*StoreService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	ctxCfg := cfgSvc.Config().Context
	if !ctxCfg.Enabled {
		return &StoreService{}, nil
	}

	readCache, err := cache.New(ctxCfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create context cache: %w", err)
	}

	s, err := store.Open(ctxCfg.Path, readCache, ctxCfg.GetMaxTurns(), ctxCfg.GetTTL(), loggerSvc.Logger)
	if err != nil {
		return nil, err
	}
	return &StoreService{Store: s}, nil
}

// NewReporter creates the usage reporter and daily reset job, and wires the
// selection diagnostics hook.
func NewReporter(i do.Injector) (*ReporterService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	trackerSvc := do.MustInvoke[*TrackerService](i)
	registrySvc := do.MustInvoke[*RegistryService](i)
	pickerSvc := do.MustInvoke[*PickerService](i)

	reportCfg := cfgSvc.Config().Report
	reporter := report.NewReporter(
		registrySvc.Registry,
		trackerSvc.Tracker,
		reportCfg.GetInterval(),
		reportCfg.GetDiagnosticsRate(),
		loggerSvc.Logger,
	)
	pickerSvc.Picker.OnSelect(reporter.KeySelected)

	resetJob := report.NewDailyResetJob(trackerSvc.Tracker, loggerSvc.Logger)

	return &ReporterService{Reporter: reporter, ResetJob: resetJob}, nil
}

// NewThrottle creates the per-credential client limiters.
func NewThrottle(i do.Injector) (*ThrottleService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	return &ThrottleService{
		Limiters: ratelimit.NewClientLimiters(cfgSvc.Config().Server.ClientRPM),
	}, nil
}

// NewRoutes assembles the HTTP route table.
func NewRoutes(i do.Injector) (*HandlerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	trackerSvc := do.MustInvoke[*TrackerService](i)
	registrySvc := do.MustInvoke[*RegistryService](i)
	scoresSvc := do.MustInvoke[*ScoresService](i)
	healthSvc := do.MustInvoke[*HealthTrackerService](i)
	orchSvc := do.MustInvoke[*OrchestratorService](i)
	storeSvc := do.MustInvoke[*StoreService](i)
	throttleSvc := do.MustInvoke[*ThrottleService](i)

	rewriter := proxy.NewModelRewriter(cfgSvc.Config().Server.Aliases)

	var contexts proxy.ContextStore
	if storeSvc.Store != nil {
		contexts = storeSvc.Store
	}
	handler := proxy.NewHandler(orchSvc.Orchestrator, rewriter, contexts, loggerSvc.Logger)

	modelNames := func() []string {
		return lo.Keys(cfgSvc.Config().Models)
	}

	routes := proxy.SetupRoutes(proxy.RouteDeps{
		Runtime: cfgSvc.Runtime,
		Handler: handler,
		Models:  proxy.NewModelsHandler(cfgSvc.Runtime),
		Stats: proxy.NewStatsHandler(
			registrySvc.Registry,
			trackerSvc.Tracker,
			scoresSvc.Scores,
			healthSvc.Tracker,
			modelNames,
		),
		Admin:    proxy.NewAdminHandler(registrySvc.Registry, cfgSvc.Runtime, loggerSvc.Logger),
		Throttle: proxy.ThrottleMiddleware(throttleSvc.Limiters),
	})

	return &HandlerService{Handler: routes}, nil
}

// NewHTTPServer creates the HTTP server.
func NewHTTPServer(i do.Injector) (*ServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	handlerSvc := do.MustInvoke[*HandlerService](i)

	server := proxy.NewServer(
		cfgSvc.Config().Server.Listen,
		handlerSvc.Handler,
		cfgSvc.Config().Server.HTTP2,
	)
	return &ServerService{Server: server}, nil
}
