// Package plugin implements the Plugin registry & lifecycle of spec.md
// §4.7: descriptor-based registration, a runtime handle plugins use to
// register channels/services/hooks/HTTP handlers, sequential service start
// with logged-but-non-aborting failures, and reverse-order best-effort
// bounded-timeout stop — the same start-forward/stop-backward shape the
// teacher's control-plane composition root (pkg/server/server.go) uses when
// wiring the retention janitor and catalog watcher alongside the HTTP
// server, generalized here into an explicit ordered service list.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// stopTimeout bounds how long Stop waits for any one service, per spec.md
// §4.7's "reverse-order best-effort bounded-timeout stop".
const stopTimeout = 5 * time.Second

// registeredService pairs a service with the plugin ID that registered it,
// so lifecycle errors can be attributed in logs.
type registeredService struct {
	pluginID string
	name     string
	svc      contracts.Service
}

// Registry owns every registered plugin descriptor and the runtime state
// (services, channels, hooks, HTTP handlers) plugins have registered
// through it.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]contracts.Descriptor
	enabled     map[string]bool

	services []registeredService
	channels map[string]contracts.ChannelPlugin
	hooks    map[string][]hookBinding
	http     map[string]contracts.HTTPHandlerFunc

	started bool
}

type hookBinding struct {
	hook    models.Hook
	handler contracts.HookHandler
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]contracts.Descriptor),
		enabled:     make(map[string]bool),
		channels:    make(map[string]contracts.ChannelPlugin),
		hooks:       make(map[string][]hookBinding),
		http:        make(map[string]contracts.HTTPHandlerFunc),
	}
}

// Register records a plugin descriptor. Bundled plugins default to
// disabled per spec.md §4.7 unless explicitly turned on in config; third-
// party plugins follow whatever the config entry (or its absence) says.
func (r *Registry) Register(d contracts.Descriptor, cfgEntry *models.PluginEntryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors[d.ID] = d
	switch {
	case cfgEntry != nil:
		r.enabled[d.ID] = cfgEntry.Enabled
	case d.DefaultOff:
		r.enabled[d.ID] = false
	default:
		r.enabled[d.ID] = true
	}
}

// LookupEntry finds a plugin's configured entry by id, so a composition
// root can resolve the cfgEntry a Register call needs from the loaded
// GatewayConfig's Plugins list rather than always passing nil.
func LookupEntry(entries []models.PluginEntryConfig, id string) *models.PluginEntryConfig {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

// Enabled reports whether a registered plugin is currently enabled.
func (r *Registry) Enabled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[id]
}

// runtimeHandle is the PluginRuntime a single plugin's Register func
// receives; it tags everything it's handed with the plugin's ID so the
// registry can report which plugin owns a failing service or hook.
type runtimeHandle struct {
	id *Registry
	self string
}

func (h *runtimeHandle) RegisterChannel(p contracts.ChannelPlugin) {
	h.id.mu.Lock()
	defer h.id.mu.Unlock()
	h.id.channels[p.Kind()] = p
}

func (h *runtimeHandle) RegisterService(name string, svc contracts.Service) {
	h.id.mu.Lock()
	defer h.id.mu.Unlock()
	h.id.services = append(h.id.services, registeredService{pluginID: h.self, name: name, svc: svc})
}

func (h *runtimeHandle) RegisterHook(hook models.Hook, handler contracts.HookHandler) {
	h.id.mu.Lock()
	defer h.id.mu.Unlock()
	for _, event := range hook.Events {
		h.id.hooks[event] = append(h.id.hooks[event], hookBinding{hook: hook, handler: handler})
	}
}

func (h *runtimeHandle) RegisterHTTPHandler(pattern string, handler contracts.HTTPHandlerFunc) {
	h.id.mu.Lock()
	defer h.id.mu.Unlock()
	h.id.http[pattern] = handler
}

// Activate runs every enabled plugin's Register callback against a fresh
// runtime handle. "Used before register" (calling a handle method outside
// of Register) cannot happen by construction here: the handle only exists
// for the duration of this call.
func (r *Registry) Activate() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if !r.Enabled(id) {
			continue
		}
		r.mu.Lock()
		d := r.descriptors[id]
		r.mu.Unlock()

		handle := &runtimeHandle{id: r, self: id}
		if err := d.Register(handle); err != nil {
			return fmt.Errorf("plugin: activate %q: %w", id, err)
		}
	}
	return nil
}

// Start brings up every registered service in registration order. A
// failing service is logged but does not abort startup of the remaining
// services, per spec.md §4.7.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	services := append([]registeredService(nil), r.services...)
	r.started = true
	r.mu.Unlock()

	for _, s := range services {
		if err := s.svc.Start(ctx); err != nil {
			log.Error().Err(err).Str("plugin", s.pluginID).Str("service", s.name).Msg("service start failed")
		}
	}
}

// Stop shuts down every registered service in reverse order, each bounded
// by stopTimeout, best-effort: a timed-out or failing stop is logged and
// the remaining services still get their chance to shut down.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	services := append([]registeredService(nil), r.services...)
	r.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := s.svc.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Str("plugin", s.pluginID).Str("service", s.name).Msg("service stop failed")
		}
		cancel()
	}
}

// Channel returns the registered channel plugin for a kind, if any.
func (r *Registry) Channel(kind string) (contracts.ChannelPlugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.channels[kind]
	return p, ok
}

// HTTPHandlers returns every registered HTTP handler, keyed by the pattern
// the plugin asked to mount.
func (r *Registry) HTTPHandlers() map[string]contracts.HTTPHandlerFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]contracts.HTTPHandlerFunc, len(r.http))
	for k, v := range r.http {
		out[k] = v
	}
	return out
}

// Dispatch calls every handler registered for an event, in registration
// order, stopping at the first error.
func (r *Registry) Dispatch(ctx context.Context, event string, payload map[string]interface{}) error {
	r.mu.Lock()
	bindings := append([]hookBinding(nil), r.hooks[event]...)
	r.mu.Unlock()

	for _, b := range bindings {
		if !Eligible(b.hook, payload) {
			continue
		}
		if err := b.handler(ctx, event, payload); err != nil {
			return fmt.Errorf("plugin: hook %q: %w", b.hook.ID, err)
		}
	}
	return nil
}

// Eligible evaluates a hook's HookRequirements.Config predicates (expr-lang
// boolean expressions over the dispatch payload), per spec.md §4.7's
// "requires: bins/env/config; wrong OS" eligibility surface. The hook's
// EnablePolicy is not consulted here. Bin/env/OS preconditions are checked
// separately by CheckHostRequirements, which neither Eligible nor Dispatch
// calls; this only checks the per-event config predicate, which can depend
// on payload values unknown until dispatch.
func Eligible(h models.Hook, payload map[string]interface{}) bool {
	for key, predicate := range h.Requires.Config {
		val, ok := payload[key]
		if !ok {
			return false
		}
		program, err := expr.Compile(predicate, expr.Env(map[string]interface{}{"value": val}))
		if err != nil {
			log.Warn().Err(err).Str("hook", h.ID).Str("key", key).Msg("invalid hook eligibility predicate")
			return false
		}
		out, err := expr.Run(program, map[string]interface{}{"value": val})
		if err != nil {
			return false
		}
		ok, _ = out.(bool)
		if !ok {
			return false
		}
	}
	return true
}
