package blockfilter

import (
	"bufio"
	"io"
	"strings"
)

// ParseHosts reads a host list in hosts or adblock format and returns
// unique, lowercased hosts. Comments (#, !) and blank lines are skipped.
// Supported formats:
//   - Hosts: "0.0.0.0 ad.example.com" or "127.0.0.1 ad.example.com"
//   - Adblock: "||ad.example.com^"
//   - Host-only: "ad.example.com"
func ParseHosts(r io.Reader) []string {
	seen := make(map[string]struct{})
	var hosts []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Skip comments.
		if line[0] == '#' || line[0] == '!' {
			continue
		}

		host := parseLine(line)
		if host == "" {
			continue
		}

		host = strings.ToLower(host)

		// Skip localhost entries that appear in hosts files.
		if isLocalEntry(host) {
			continue
		}

		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}

	return hosts
}

// parseLine extracts a host from a single list line.
func parseLine(line string) string {
	// Adblock format: ||host^
	if strings.HasPrefix(line, "||") {
		host := strings.TrimPrefix(line, "||")
		host = strings.TrimSuffix(host, "^")
		// Some adblock lines have additional modifiers after ^
		if idx := strings.IndexByte(host, '^'); idx >= 0 {
			host = host[:idx]
		}
		return cleanHost(host)
	}

	// Hosts format: "0.0.0.0 host" or "127.0.0.1 host"
	fields := strings.Fields(line)
	if len(fields) >= 2 && isSinkholeIP(fields[0]) {
		return cleanHost(fields[1])
	}

	// Host-only format: bare host (one field, looks like a domain).
	if len(fields) == 1 && looksLikeHost(fields[0]) {
		return cleanHost(fields[0])
	}

	return ""
}

// isLocalEntry filters the boilerplate names hosts files carry.
func isLocalEntry(host string) bool {
	switch host {
	case "localhost", "localhost.localdomain", "local", "broadcasthost",
		"ip6-localhost", "ip6-loopback", "ip6-localnet", "ip6-mcastprefix",
		"ip6-allnodes", "ip6-allrouters", "ip6-allhosts":
		return true
	}
	return false
}

// isSinkholeIP returns true if s is a sinkhole IP used in hosts files.
func isSinkholeIP(s string) bool {
	return s == "0.0.0.0" || s == "127.0.0.1" || s == "::1" || s == "::0" || s == "::"
}

// looksLikeHost does a minimal check: contains a dot, no spaces, no special chars.
func looksLikeHost(s string) bool {
	if !strings.Contains(s, ".") {
		return false
	}
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '/' || c == ':' {
			return false
		}
	}
	return true
}

// cleanHost strips trailing dots and inline comments from a host string.
func cleanHost(s string) string {
	if idx := strings.IndexByte(s, '#'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".")
	if s == "" || !looksLikeHost(s) {
		return ""
	}
	return s
}
