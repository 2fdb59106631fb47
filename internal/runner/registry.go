// Package runner implements the Agent runner boundary of spec.md §4.6: a
// registry of agent drivers the hub can submit work to, a per-driver-kind
// EMA latency tracker for routing diagnostics, and retry of a driver's
// initial Run call. The buffered block dispatch that turns a driver's block
// stream into chunked deliveries lives in internal/hub (dispatch.go).
//
// The driver registry mirrors the teacher's ModelRouter provider-driver
// registry (internal/router/router.go): a kind-keyed map guarded by an
// RWMutex, with optional capabilities (here, streaming) discovered by type
// assertion rather than a second interface parameter.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// driverRetryElapsed bounds how long Submit retries a driver's initial Run
// call before giving up. Only the call that accepts the run is retried; once
// a driver has started streaming blocks, a failure there is its own terminal
// Block, never retried transparently.
const driverRetryElapsed = 5 * time.Second

// Registry holds the set of registered agent drivers and the route table
// that maps an agent id to the driver kind that should serve it.
type Registry struct {
	driversMu sync.RWMutex
	drivers   map[string]contracts.Driver

	routesMu sync.RWMutex
	routes   models.AgentsConfig

	latencyMu sync.RWMutex
	latencies map[string]int64 // driver kind -> rolling EMA latency (ms)
}

func NewRegistry() *Registry {
	return &Registry{
		drivers:   make(map[string]contracts.Driver),
		latencies: make(map[string]int64),
	}
}

// RegisterDriver adds or replaces the driver for its Kind().
func (r *Registry) RegisterDriver(d contracts.Driver) {
	r.driversMu.Lock()
	r.drivers[d.Kind()] = d
	r.driversMu.Unlock()
	log.Info().Str("kind", d.Kind()).Msg("agent driver registered")
}

// Driver returns the registered driver for a kind, or nil.
func (r *Registry) Driver(kind string) contracts.Driver {
	r.driversMu.RLock()
	defer r.driversMu.RUnlock()
	return r.drivers[kind]
}

// SetRoutes replaces the agents routing table (spec.md §4.6's "routes
// inbound events to the configured agent").
func (r *Registry) SetRoutes(cfg models.AgentsConfig) {
	r.routesMu.Lock()
	r.routes = cfg
	r.routesMu.Unlock()
}

// ResolveRoute picks the driver kind for a requested route string
// ("epiloop:<agentId>"), falling back to the configured default agent, then
// to the defaults map's "driver" entry.
func (r *Registry) ResolveRoute(route string) (kind string, agentID string) {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	agentID = trimRoutePrefix(route)
	for _, a := range r.routes.List {
		if a.ID == agentID {
			return a.Route["driver"], a.ID
		}
	}
	for _, a := range r.routes.List {
		if a.Default {
			return a.Route["driver"], a.ID
		}
	}
	return r.routes.Defaults["driver"], agentID
}

func trimRoutePrefix(route string) string {
	const prefix = "epiloop:"
	if len(route) > len(prefix) && route[:len(prefix)] == prefix {
		return route[len(prefix):]
	}
	return route
}

// recordLatency applies the teacher's EMA smoothing: a 70/30 weighting of
// the previous average against the new sample (internal/router/router.go's
// `(prev*7 + latencyMs*3) / 10`).
func (r *Registry) recordLatency(kind string, ms int64) {
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	prev := r.latencies[kind]
	if prev == 0 {
		r.latencies[kind] = ms
		return
	}
	r.latencies[kind] = (prev*7 + ms*3) / 10
}

// Latency returns the current rolling EMA latency for a driver kind.
func (r *Registry) Latency(kind string) int64 {
	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	return r.latencies[kind]
}

// Submit implements hub.RunnerDispatch: resolve the route to a driver,
// invoke it, and track latency from submission to the driver accepting the
// run (not the full stream, which may be arbitrarily long-lived).
func (r *Registry) Submit(ctx context.Context, req contracts.RunRequest) (<-chan contracts.Block, error) {
	kind, agentID := r.ResolveRoute(req.Route)
	driver := r.Driver(kind)
	if driver == nil {
		return nil, fmt.Errorf("runner: no driver registered for kind %q (agent %q)", kind, agentID)
	}

	start := time.Now()
	blocks, err := runWithRetry(ctx, func() (<-chan contracts.Block, error) {
		return driver.Run(ctx, req)
	})
	r.recordLatency(kind, time.Since(start).Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("runner: driver %q run: %w", kind, err)
	}
	return blocks, nil
}

// runWithRetry retries a driver's initial accept-the-run call with
// exponential backoff, for the transient connection failures a provider
// driver surfaces before it has started streaming anything back.
func runWithRetry(ctx context.Context, attempt func() (<-chan contracts.Block, error)) (<-chan contracts.Block, error) {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = driverRetryElapsed
	policy := backoff.WithContext(eb, ctx)

	var blocks <-chan contracts.Block
	err := backoff.Retry(func() error {
		b, err := attempt()
		if err != nil {
			log.Warn().Err(err).Msg("driver run failed, retrying")
			return err
		}
		blocks = b
		return nil
	}, policy)
	return blocks, err
}

// SubmitStreaming uses StreamingDriver.RunStream when the resolved driver
// supports it, falling back to Submit otherwise — the type-assertion
// optional-capability pattern from the teacher's StreamingProviderDriver.
func (r *Registry) SubmitStreaming(ctx context.Context, req contracts.RunRequest, onDelta func(string)) (<-chan contracts.Block, error) {
	kind, agentID := r.ResolveRoute(req.Route)
	driver := r.Driver(kind)
	if driver == nil {
		return nil, fmt.Errorf("runner: no driver registered for kind %q (agent %q)", kind, agentID)
	}
	sd, ok := driver.(contracts.StreamingDriver)
	if !ok {
		return r.Submit(ctx, req)
	}

	start := time.Now()
	blocks, err := sd.RunStream(ctx, req, onDelta)
	r.recordLatency(kind, time.Since(start).Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("runner: driver %q run-stream: %w", kind, err)
	}
	return blocks, nil
}
