// Package server is the composition root: it wires config, auth,
// directory, chunk, hub, runner, plugin registry, discovery, heartbeat,
// and the failure-handler registry into one running gateway, following the
// teacher's pkg/server/server.go composition shape (build every subsystem,
// hand back a struct with a Handler and a Shutdown).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/wjlgatech/epiloop/internal/auth"
	"github.com/wjlgatech/epiloop/internal/config"
	"github.com/wjlgatech/epiloop/internal/discovery"
	"github.com/wjlgatech/epiloop/internal/heartbeat"
	"github.com/wjlgatech/epiloop/internal/hub"
	"github.com/wjlgatech/epiloop/internal/plugin"
	"github.com/wjlgatech/epiloop/internal/runner"
	"github.com/wjlgatech/epiloop/internal/telemetry"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// drainDeadline is how long graceful shutdown waits before stopping
// subsystems. The wait is fixed: in-flight runs are not tracked, so it does
// not end early when they finish, and open connections are not closed here.
const drainDeadline = 30 * time.Second

// Server holds every wired subsystem plus the HTTP handler that serves
// them on one listener.
type Server struct {
	Handler    http.Handler
	Profile    models.Profile
	Config     *models.GatewayConfig
	Hub        *hub.Hub
	Runner     *runner.Registry
	Plugins    *plugin.Registry
	Advertiser *discovery.Advertiser

	telemetryShutdown func(context.Context) error
}

// New builds the full gateway from a resolved profile and environment,
// matching the teacher's server.New(ctx) shape.
func New(ctx context.Context, profile models.Profile, env config.Env) (*Server, error) {
	cfg, changes, err := config.Load(profile, env)
	if err != nil {
		return nil, fmt.Errorf("server: load config: %w", err)
	}
	for _, c := range changes {
		log.Warn().Str("change", c).Msg("config migrated")
	}

	resolvedAuth := auth.ResolveAuth(cfg.Gateway)
	resolver, err := auth.New(resolvedAuth)
	if err != nil {
		return nil, fmt.Errorf("server: auth: %w", err)
	}

	hbResolver := heartbeat.New(*cfg)
	runnerRegistry := runner.NewRegistry()
	runnerRegistry.SetRoutes(cfg.Agents)

	h := hub.New(resolver, runnerRegistry, hbResolver)
	h.Channels = cfg.Channels
	h.SetAuditSink(func(event string, fields map[string]interface{}) {
		log.Info().Str("event", event).Fields(fields).Msg("activity")
	})

	// This composition root owns the registry's lifecycle and registers the
	// bundled, always-available plugins, resolving each one's enable state
	// and config from the loaded cfg.Plugins entries. No other plugins are
	// registered before Activate; cmd/gateway adds none.
	plugins := plugin.NewRegistry()
	statusDescriptor := builtinStatusDescriptor(profile)
	plugins.Register(statusDescriptor, plugin.LookupEntry(cfg.Plugins, statusDescriptor.ID))
	if err := plugins.Activate(); err != nil {
		return nil, fmt.Errorf("server: activate plugins: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		Enabled:      false,
		ServiceName:  "epiloop-gateway",
		OTLPEndpoint: "",
	})
	if err != nil {
		return nil, fmt.Errorf("server: telemetry: %w", err)
	}

	advertiser := discovery.New(noopPublisher{}, cfg.Discovery, env["HOME"], discovery.Advertisement{
		DisplayName: profile.Name,
		GatewayPort: cfg.Gateway.Port,
		CLIPath:     discovery.DiscoverCLIPath(nil),
		GatewayTLS:  cfg.Gateway.TLS.Enabled,
	})

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	h.Routes(router)
	for pattern, handlerFn := range plugins.HTTPHandlers() {
		router.Get(pattern, adaptPluginHandler(handlerFn))
		router.Post(pattern, adaptPluginHandler(handlerFn))
	}

	return &Server{
		Handler:           router,
		Profile:           profile,
		Config:            cfg,
		Hub:               h,
		Runner:            runnerRegistry,
		Plugins:           plugins,
		Advertiser:        advertiser,
		telemetryShutdown: shutdownTelemetry,
	}, nil
}

// Start brings up plugin services. Periodic wide-area re-advertisement is
// started separately via StartDiscovery once the tailnet address and host
// label are known (they come from the node/tailscale integration, outside
// this package's scope).
func (s *Server) Start(ctx context.Context) {
	s.Plugins.Start(ctx)
}

// StartDiscovery begins periodic re-advertisement once the caller knows the
// host's tailnet IPv4 and label.
func (s *Server) StartDiscovery(tailnetIPv4, hostLabel string) error {
	if err := s.Advertiser.Advertise(tailnetIPv4, hostLabel); err != nil {
		return err
	}
	return s.Advertiser.StartPeriodic("", tailnetIPv4, hostLabel)
}

// Shutdown runs the graceful-shutdown sequence: wait until drainDeadline
// elapses or ctx is done (whichever comes first; in-flight runs are not
// tracked), retract discovery advertisements, stop plugin services in
// reverse order, flush telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, drainDeadline)
	defer cancel()
	<-drainCtx.Done()

	s.Advertiser.Stop()
	s.Plugins.Stop(ctx)

	if s.telemetryShutdown != nil {
		return s.telemetryShutdown(ctx)
	}
	return nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(instance string, advert discovery.Advertisement) error { return nil }
func (noopPublisher) Retract() error                                                { return nil }

// builtinStatusDescriptor is the one always-compiled-in bundled plugin: a
// diagnostic status endpoint. Like any bundled plugin (spec.md §4.7) it
// defaults to disabled unless a cfg.Plugins entry turns it on.
func builtinStatusDescriptor(profile models.Profile) contracts.Descriptor {
	startedAt := time.Now()
	return contracts.Descriptor{
		ID:          "builtin-status",
		Name:        "Gateway status",
		Description: "Diagnostic endpoint reporting the running profile and uptime.",
		DefaultOff:  true,
		Register: func(api contracts.PluginRuntime) error {
			api.RegisterHTTPHandler("/internal/status", func(w contracts.ResponseWriter, r contracts.Request) {
				body, _ := json.Marshal(map[string]interface{}{
					"profile":        profile.Name,
					"uptime_seconds": int(time.Since(startedAt).Seconds()),
				})
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
			})
			return nil
		},
	}
}
