// Package discovery implements the Discovery advertiser of spec.md §4.8:
// multicast mDNS instance-name formatting and TXT record assembly, unicast
// DNS-SD wide-area zone file rendering via miekg/dns resource records, CLI
// path discovery, and periodic re-advertisement scheduling.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const ServiceType = "_epiloop-gw._tcp"

// Advertisement is the complete, non-secret set of facts advertised about
// one gateway instance, per spec.md §4.8's TXT key list.
type Advertisement struct {
	DisplayName string
	LANHost     string
	GatewayPort int
	GatewayTLS  bool
	TLSCertPEM  []byte // hashed into gatewayTlsSha256 when GatewayTLS is set
	CanvasPort  int    // 0 means "not enabled", omitted from TXT
	SSHPort     int    // defaults to 22 when unset
	CLIPath     string
	TailnetDNS  string // optional mesh-VPN hostname
}

// TXT renders the advertisement's TXT key/value pairs in a stable,
// deterministic key order (stable order matters for the zone-file
// idempotence check in zone.go).
func (a Advertisement) TXT() []string {
	sshPort := a.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	kv := map[string]string{
		"role":        "gateway",
		"displayName": a.DisplayName,
		"lanHost":     a.LANHost,
		"gatewayPort": fmt.Sprintf("%d", a.GatewayPort),
		"sshPort":     fmt.Sprintf("%d", sshPort),
		"transport":   "gateway",
		"cliPath":     a.CLIPath,
	}
	if a.GatewayTLS {
		kv["gatewayTls"] = "1"
		kv["gatewayTlsSha256"] = sha256Hex(a.TLSCertPEM)
	}
	if a.CanvasPort != 0 {
		kv["canvasPort"] = fmt.Sprintf("%d", a.CanvasPort)
	}
	if a.TailnetDNS != "" {
		kv["tailnetDns"] = a.TailnetDNS
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+kv[k])
	}
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FormatInstanceName implements spec.md §4.8's exact rule: trim; empty
// becomes "Epiloop"; a name already containing "epiloop" (case-insensitive)
// is returned unchanged; otherwise " (Epiloop)" is appended. The function
// is idempotent — applying it twice gives the same result as once.
func FormatInstanceName(displayName string) string {
	trimmed := strings.TrimSpace(displayName)
	if trimmed == "" {
		return "Epiloop"
	}
	if strings.Contains(strings.ToLower(trimmed), "epiloop") {
		return trimmed
	}
	return trimmed + " (Epiloop)"
}
