package server

import (
	"io"
	"net/http"

	"github.com/wjlgatech/epiloop/pkg/contracts"
)

// adaptPluginHandler bridges a plugin's transport-agnostic HTTPHandlerFunc
// (pkg/contracts keeps net/http out of plugin code) onto a real
// net/http.HandlerFunc at the one point that needs both.
func adaptPluginHandler(fn contracts.HTTPHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fn(&responseWriterAdapter{w: w}, &requestAdapter{method: r.Method, path: r.URL.Path, body: body})
	}
}

type responseWriterAdapter struct{ w http.ResponseWriter }

func (a *responseWriterAdapter) WriteHeader(status int)      { a.w.WriteHeader(status) }
func (a *responseWriterAdapter) Write(b []byte) (int, error) { return a.w.Write(b) }
func (a *responseWriterAdapter) Header() map[string][]string { return map[string][]string(a.w.Header()) }

type requestAdapter struct {
	method string
	path   string
	body   []byte
}

func (r *requestAdapter) Method() string { return r.method }
func (r *requestAdapter) Path() string   { return r.path }
func (r *requestAdapter) Body() []byte   { return r.body }
