package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vkuzmin/fleetwatch/internal/api"
	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/cloud/cloudtest"
	"github.com/vkuzmin/fleetwatch/internal/cloud/hcloudprov"
	"github.com/vkuzmin/fleetwatch/internal/config"
	"github.com/vkuzmin/fleetwatch/internal/eventbus"
	"github.com/vkuzmin/fleetwatch/internal/reconcile"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	Bus      *eventbus.Bus
	Provider cloud.Provider
	Tracker  *reconcile.Tracker
	API      *api.Server
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	s.Provider = provider

	s.Tracker = reconcile.NewTracker(provider, provider, s.Bus, reconcile.Config{
		PollInterval:       cfg.Reconciler.PollInterval.Duration(),
		ForcedRefreshDelay: cfg.Reconciler.ForcedRefreshDelay.Duration(),
		CallTimeout:        cfg.Reconciler.CallTimeout.Duration(),
		RateLimitRPS:       cfg.Reconciler.RateLimitRPS,
	})

	s.API = api.NewServer(cfg.API.Host, cfg.API.Port, s.Tracker)

	return s, nil
}

func newProvider(cfg *config.Config) (cloud.Provider, error) {
	switch cfg.Cloud.Provider {
	case config.ProviderHCloud:
		return hcloudprov.New(cfg.Cloud.Token), nil
	case config.ProviderSim:
		log.Warn().Msg("No cloud token configured, running against the simulated backend")
		return demoProvider(cfg.Watch), nil
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Cloud.Provider)
	}
}

// demoProvider seeds the simulated backend with one provisioning cluster per
// watched scope so a fresh daemon has something to reconcile.
func demoProvider(watch []config.WatchScope) *cloudtest.Provider {
	provider := cloudtest.NewSimulated()
	for i, w := range watch {
		scope := resource.Scope{Project: w.Project, Location: w.Location}
		id := fmt.Sprintf("demo-%d", i+1)
		provider.SetResources(scope, resource.Resource{
			ID:    id,
			Kind:  resource.KindCluster,
			State: resource.StateProvisioning,
			Attrs: map[string]string{"name": "demo-cluster"},
		})
		provider.SetTransition(scope, id, 3, resource.StateRunning)
	}
	return provider
}

// Start starts all services in the correct order.
// The onFatalError callback is called when the API server fails to serve.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.Bus.SubscribeAll(logEvent)

	for _, w := range s.cfg.Watch {
		scope := resource.Scope{Project: w.Project, Location: w.Location}
		if err := s.Tracker.Enter(scope); err != nil {
			return fmt.Errorf("failed to enter scope %s: %w", scope.Key(), err)
		}
		log.Info().Str("scope", scope.Key()).Msg("Watching scope")
	}

	go func() {
		if err := s.API.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			onFatalError(err)
		}
	}()

	return nil
}

// logEvent mirrors every bus event into the structured log.
func logEvent(ev eventbus.Event) {
	entry := log.Info()
	switch ev.Type {
	case eventbus.TypeFetchError, eventbus.TypeCommandFailed:
		entry = log.Warn()
	case eventbus.TypeStateAnomaly:
		entry = log.Error()
	}
	entry.
		Str("event", string(ev.Type)).
		Str("scope", ev.Scope.Key()).
		Str("resource", ev.ResourceID).
		Str("reason", ev.Reason).
		Msg("Reconciler event")
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()
	s.Bus.Close(ctx)

	return nil
}
