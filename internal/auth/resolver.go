// Package auth implements the Auth resolver: turns a connect attempt into
// an authenticated Principal following the ordered decision rules in
// spec.md §4.2. Unlike the teacher's pluggable AuthProvider chain, this is a
// single ordered procedure — the spec specifies exact precedence and
// specific failure reasons, which a generic provider chain would obscure.
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/wjlgatech/epiloop/pkg/models"
)

// ConnectAuth is the optional auth material carried in a connect payload.
type ConnectAuth struct {
	Token    string
	Password string
}

// Request is the subset of an inbound connection's metadata the resolver
// needs, decoupled from net/http so it can be driven by both the HTTP
// upgrade path and direct unit tests.
type Request struct {
	RemoteAddr          string
	Host                string
	TailscaleUserLogin  string
	HasForwardedFor     bool
	HasForwardedProto   bool
	HasForwardedHost    bool
}

// FromHTTP adapts a *http.Request into the resolver's Request shape.
func FromHTTP(r *http.Request) Request {
	return Request{
		RemoteAddr:         r.RemoteAddr,
		Host:               r.Host,
		TailscaleUserLogin: r.Header.Get("Tailscale-User-Login"),
		HasForwardedFor:    r.Header.Get("X-Forwarded-For") != "",
		HasForwardedProto:  r.Header.Get("X-Forwarded-Proto") != "",
		HasForwardedHost:   r.Header.Get("X-Forwarded-Host") != "",
	}
}

// Result is the outcome of an authorization attempt.
type Result struct {
	OK     bool
	Method models.PrincipalMethod
	User   string
	Reason string
}

// Resolver evaluates connect attempts against a ResolvedGatewayAuth.
type Resolver struct {
	Auth models.ResolvedGatewayAuth
}

// New builds a Resolver and asserts the declared mode carries its secret,
// per spec.md §4.2's assertConfigured: the gateway refuses to start rather
// than boot in an insecure state.
func New(auth models.ResolvedGatewayAuth) (*Resolver, error) {
	if err := assertConfigured(auth); err != nil {
		return nil, err
	}
	return &Resolver{Auth: auth}, nil
}

func assertConfigured(auth models.ResolvedGatewayAuth) error {
	switch auth.Mode {
	case models.AuthModeToken:
		if auth.Token == "" {
			return &MisconfiguredError{Mode: auth.Mode, Reason: "token mode declared without a token"}
		}
	case models.AuthModePassword:
		if auth.Password == "" {
			return &MisconfiguredError{Mode: auth.Mode, Reason: "password mode declared without a password"}
		}
	}
	return nil
}

// MisconfiguredError is thrown at startup when the declared mode lacks its
// secret.
type MisconfiguredError struct {
	Mode   models.GatewayAuthMode
	Reason string
}

func (e *MisconfiguredError) Error() string {
	return "auth: misconfigured (" + string(e.Mode) + "): " + e.Reason
}

// isLocalDirect implements spec.md §4.2 rule 1: remote address loopback AND
// host resolves to localhost/127.0.0.1/::1 or ends with .ts.net AND no
// forwarded headers present.
func isLocalDirect(req Request) bool {
	if req.HasForwardedFor || req.HasForwardedProto || req.HasForwardedHost {
		return false
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false
	}

	hostHeader := req.Host
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		hostHeader = h
	}
	hostHeader = strings.ToLower(hostHeader)
	if hostHeader == "localhost" || hostHeader == "127.0.0.1" || hostHeader == "::1" {
		return true
	}
	return strings.HasSuffix(hostHeader, ".ts.net")
}

// Authorize implements the ordered decision rules of spec.md §4.2.
func (r *Resolver) Authorize(req Request, connect ConnectAuth) Result {
	localDirect := isLocalDirect(req)

	// Rule 1 is folded into rule 2's guard: tailscale auth never applies to
	// local-direct requests, so loopback never impersonates a user.
	if r.Auth.AllowTailscale && !localDirect {
		proxySignature := req.HasForwardedFor && req.HasForwardedProto && req.HasForwardedHost
		if req.TailscaleUserLogin != "" && proxySignature {
			return Result{OK: true, Method: models.PrincipalTailscale, User: req.TailscaleUserLogin}
		}
		if r.Auth.Mode == models.AuthModeNone {
			if req.TailscaleUserLogin == "" {
				return Result{OK: false, Reason: "tailscale_user_missing"}
			}
			if !proxySignature {
				return Result{OK: false, Reason: "tailscale_proxy_missing"}
			}
		}
	}

	switch r.Auth.Mode {
	case models.AuthModeNone:
		return Result{OK: true, Method: models.PrincipalNone}

	case models.AuthModeToken:
		if r.Auth.Token == "" {
			return Result{OK: false, Reason: "token_missing_config"}
		}
		if connect.Token == "" {
			return Result{OK: false, Reason: "token_missing"}
		}
		if !constantTimeEqual(connect.Token, r.Auth.Token) {
			return Result{OK: false, Reason: "token_mismatch"}
		}
		return Result{OK: true, Method: models.PrincipalToken}

	case models.AuthModePassword:
		if r.Auth.Password == "" {
			return Result{OK: false, Reason: "password_missing_config"}
		}
		if connect.Password == "" {
			return Result{OK: false, Reason: "password_missing"}
		}
		if !constantTimeEqual(connect.Password, r.Auth.Password) {
			return Result{OK: false, Reason: "password_mismatch"}
		}
		return Result{OK: true, Method: models.PrincipalPassword}

	default:
		return Result{OK: false, Reason: "unauthorized"}
	}
}

// constantTimeEqual compares secrets without leaking timing information,
// matching the teacher's crypto/subtle.ConstantTimeCompare usage in
// internal/auth/apikey_provider.go.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a constant-time compare against a same-length buffer so
		// the length mismatch itself doesn't create an early-exit timing
		// signal distinguishable from a same-length mismatch.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ResolveAuth builds a ResolvedGatewayAuth from a GatewaySection, applying
// spec.md §3's invariant: allowTailscale defaults to true only when the
// tailscale mode is "serve" and the outer mode is not "password".
func ResolveAuth(gw models.GatewaySection) models.ResolvedGatewayAuth {
	allow := gw.Tailscale == models.TailscaleServe && gw.Auth.Mode != models.AuthModePassword
	return models.ResolvedGatewayAuth{
		Mode:           gw.Auth.Mode,
		Token:          gw.Auth.Token,
		Password:       gw.Auth.Password,
		AllowTailscale: allow,
	}
}

// DeviceToken authenticates a node's device-token connect material against
// an approved NodePairing, producing a device-token Principal. Node
// connections carry their own pairing-derived credential rather than the
// gateway-wide token/password.
func DeviceToken(pairing models.NodePairing) Result {
	if !pairing.Approved {
		return Result{OK: false, Reason: "device_pending_approval"}
	}
	if !pairing.HasRole(models.RoleNode) {
		return Result{OK: false, Reason: "device_not_node_role"}
	}
	return Result{OK: true, Method: models.PrincipalDeviceTok, User: pairing.DeviceID}
}
