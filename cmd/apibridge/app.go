package main

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/config"
	"github.com/proposalhub/apibridge/internal/metrics"
	"github.com/proposalhub/apibridge/internal/resources"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/api"
	"github.com/proposalhub/apibridge/pkg/health"
)

// app holds the wired service.
type app struct {
	config   *config.Configuration
	logger   *slog.Logger
	registry *bridge.Registry
	set      *resources.Set
	sink     *metrics.Sink
	tracker  *health.Tracker
	server   *api.Server
}

func newApp(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (*app, error) {
	t, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	checker, err := authz.NewPolicyChecker(cfg.Authz.Policies, cfg.Authz.DefaultAllow)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}
	gateOpts := []authz.GateOption{authz.WithLogger(logger)}
	if cfg.Authz.Audit {
		gateOpts = append(gateOpts, authz.WithAuditor(authz.NewLogAuditor(logger)))
	}
	gate := authz.NewGate(checker, gateOpts...)

	sink, err := metrics.NewSink(&cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tracker := health.NewTracker(cfg.Health)
	for _, name := range resources.Names() {
		tracker.RegisterComponent(name)
	}
	tracker.OnStateChange(func(component string, from, to health.State, err error) {
		logger.Warn("resource health changed", "resource", component, "from", from.String(), "to", to.String(), "error", err)
	})

	registry := bridge.NewRegistry(logger)
	set, err := resources.Register(registry, t, cfg.BridgeConfigs(resources.Names()),
		bridge.WithGate(gate),
		bridge.WithAnalytics(sink),
		bridge.WithHealth(tracker),
		bridge.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	for _, name := range registry.Resources() {
		h, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		sink.Watch(name, h.Stats)
	}

	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithHealth(tracker),
		api.WithRoutes(set.Routes()...),
	}
	if sink.Enabled() {
		serverOpts = append(serverOpts, api.WithMetrics(cfg.Metrics.Path, sink.Handler()))
	}

	return &app{
		config:   cfg,
		logger:   logger,
		registry: registry,
		set:      set,
		sink:     sink,
		tracker:  tracker,
		server:   api.NewServer(cfg.Server, registry, serverOpts...),
	}, nil
}

func newTransport(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportObjectStore:
		storeConfig := cfg.ObjectStoreTransport(collections())
		client, err := transport.NewS3Client(ctx, storeConfig)
		if err != nil {
			return nil, err
		}
		return transport.NewObjectStore(client, storeConfig, transport.WithObjectStoreLogger(logger))
	default:
		return transport.NewHTTP(cfg.HTTPTransport(), transport.WithHTTPLogger(logger))
	}
}

func collections() []string {
	endpoints := resources.Endpoints()
	out := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		out = append(out, endpoint)
	}
	sort.Strings(out)
	return out
}

// run serves until ctx is done, then shuts the server down and tears the
// facades down.
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if stderr.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	return stderr.Join(serveErr, a.close(context.WithoutCancel(ctx)))
}

func (a *app) close(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	for _, name := range a.registry.Resources() {
		a.sink.Unwatch(name)
	}
	if teardownErr := a.registry.TeardownAll(); teardownErr != nil {
		err = stderr.Join(err, teardownErr)
	}
	a.logger.Info("apibridge stopped")
	return err
}
