// Package failure implements the process-wide unhandled-rejection registry
// of spec.md §4.10: any registered handler can mark a rejection consumed;
// if none does, the default action logs a structured error and exits with
// code 1. This is the single accountable path the gateway replaces
// per-library catch-alls with.
package failure

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Rejection is an unhandled failure surfaced from anywhere in the gateway:
// a panic recovered at a goroutine boundary, a driver error with nowhere
// else to go, a plugin service crash outside its own Start/Stop contract.
type Rejection struct {
	Source string
	Err    error
	Fields map[string]interface{}
}

// Handler inspects a rejection and reports whether it claimed it. A
// handler that returns false leaves the rejection for the next registered
// handler, and ultimately the default handler, to deal with.
type Handler func(Rejection) (consumed bool)

// Registry is the process-wide handler chain. The zero value is usable;
// Global is the process-wide instance every package should report through.
type Registry struct {
	mu       sync.Mutex
	handlers []Handler
	exitFunc func(code int)
}

// Global is the process-wide registry. cmd/gateway wires operator-facing
// handlers (e.g. "log and keep serving") onto it at startup.
var Global = New()

func New() *Registry {
	return &Registry{exitFunc: os.Exit}
}

// Register appends a handler to the chain. Handlers run in registration
// order; the first to return true stops the chain.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Report runs a rejection through the handler chain. If no handler
// consumes it, the default action fires: log a structured error and exit
// the process with code 1.
func (r *Registry) Report(rej Rejection) {
	r.mu.Lock()
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		if h(rej) {
			return
		}
	}

	event := log.Error().Str("source", rej.Source)
	for k, v := range rej.Fields {
		event = event.Interface(k, v)
	}
	if rej.Err != nil {
		event = event.Err(rej.Err)
	}
	event.Msg("unhandled rejection")
	r.exitFunc(1)
}

// Report reports a rejection to the global registry.
func Report(source string, err error, fields map[string]interface{}) {
	Global.Report(Rejection{Source: source, Err: err, Fields: fields})
}

// Register registers a handler on the global registry.
func Register(h Handler) { Global.Register(h) }
