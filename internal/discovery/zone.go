package discovery

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
)

const zoneOrigin = "epiloop.internal."

// ZoneInput is the minimal set of facts needed to render the wide-area
// DNS-SD zone file, per spec.md §4.8's unicast DNS-SD scenario.
type ZoneInput struct {
	Serial      int
	GatewayPort int
	DisplayName string
	TailnetIPv4 string
	TailnetIPv6 string
	HostLabel   string
	Advert      Advertisement
}

// RenderZone builds the zone file content: an SOA-free $ORIGIN header, an
// A/AAAA record for the host label, a PTR for the service type, an SRV
// record, and a TXT carrying the advertisement's key/value pairs. Every
// record line is validated by parsing it back with miekg/dns before being
// emitted, so a malformed render fails loudly rather than writing garbage
// to disk.
func RenderZone(in ZoneInput) (string, error) {
	body, err := renderZoneBody(in)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "$ORIGIN %s\n", zoneOrigin)
	fmt.Fprintf(&b, "; serial %d\n", in.Serial)
	b.WriteString(body)
	return b.String(), nil
}

// renderZoneBody renders every record line except the $ORIGIN header and
// serial comment: the part of the zone that only changes when the
// advertised service itself changes. Advertiser.Advertise compares this
// (never the serial-bearing RenderZone output) to decide whether to bump
// the serial, per spec.md §8's "rewriting the zone file with the same
// content does not bump the serial" — the counter being compared can't also
// be part of what's compared.
func renderZoneBody(in ZoneInput) (string, error) {
	var b strings.Builder

	lines := []string{
		fmt.Sprintf("%s IN A %s", in.HostLabel, in.TailnetIPv4),
	}
	if in.TailnetIPv6 != "" {
		lines = append(lines, fmt.Sprintf("%s IN AAAA %s", in.HostLabel, in.TailnetIPv6))
	}
	lines = append(lines,
		fmt.Sprintf("%s IN PTR %s.%s", ServiceType, in.HostLabel, ServiceType),
		fmt.Sprintf("%s.%s IN SRV 0 0 %d %s", in.HostLabel, ServiceType, in.GatewayPort, in.HostLabel),
	)

	txt := in.Advert.TXT()
	quoted := make([]string, len(txt))
	for i, kv := range txt {
		quoted[i] = `"` + kv + `"`
	}
	lines = append(lines, fmt.Sprintf("%s.%s IN TXT %s", in.HostLabel, ServiceType, strings.Join(quoted, " ")))

	for _, line := range lines {
		if err := validateRRLine(line); err != nil {
			return "", fmt.Errorf("discovery: invalid zone line %q: %w", line, err)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// validateRRLine parses a single record against the zone's origin to catch
// a malformed render before it reaches disk or CoreDNS.
func validateRRLine(line string) error {
	_, err := dns.NewRR("$ORIGIN " + zoneOrigin + "\n" + line)
	return err
}

// WriteZoneIfChanged writes the rendered zone to path only when its content
// differs from what's already there, per spec.md §4.8's "rewritten only
// when content changes (idempotence)".
func WriteZoneIfChanged(path, content string) (changed bool, err error) {
	existing, readErr := os.ReadFile(path)
	if readErr == nil && string(existing) == content {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("discovery: mkdir zone dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("discovery: write zone file: %w", err)
	}
	return true, nil
}

// DefaultZonePath returns ~/.epiloop/dns/epiloop.internal.db.
func DefaultZonePath(home string) string {
	return filepath.Join(home, ".epiloop", "dns", "epiloop.internal.db")
}

// HasPrimaryTailnetIPv4 reports whether ip looks like a usable tailnet
// (CGNAT range 100.64.0.0/10) address, the precondition spec.md §4.8 names
// for enabling wide-area advertisement.
func HasPrimaryTailnetIPv4(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return false
	}
	_, cgnat, _ := net.ParseCIDR("100.64.0.0/10")
	return cgnat.Contains(parsed)
}
