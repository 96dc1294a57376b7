package resumer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// locatorDelim separates the three fields of an encoded Locator. None of
// Host/FileName can contain it in practice (hostnames and generated file
// names are both delimiter-safe), so a plain split is sufficient.
const locatorDelim = "|"

// Locator points at the node and file holding a response recording's live
// (or most recently live) bytes, so a client that loses its stream can
// reconnect to the node actually doing the generation instead of whichever
// node happens to answer the resume request.
type Locator struct {
	Host     string
	Port     int
	FileName string
}

// newLocator builds a Locator from a configured advertised address
// ("host:port", or just "host", or empty) and the on-disk recording file
// name. An address that fails to parse as host:port is treated as a bare
// host with no port.
func newLocator(advertisedAddress, fileName string) Locator {
	host, port := "localhost", 0
	if addr := strings.TrimSpace(advertisedAddress); addr != "" {
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = strings.TrimSpace(h)
			if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				port = n
			}
		} else {
			host = addr
		}
	}
	if host == "" {
		host = "localhost"
	}
	return Locator{Host: host, Port: port, FileName: strings.TrimSpace(fileName)}
}

// Encode serializes the locator to the compact pipe-delimited form stored
// alongside the recording (e.g. in the locator cache).
func (l Locator) Encode() string {
	return fmt.Sprintf("%s%s%d%s%s", strings.TrimSpace(l.Host), locatorDelim, l.Port, locatorDelim, strings.TrimSpace(l.FileName))
}

// DecodeLocator parses the Encode form. The second bool result is false if
// raw isn't a well-formed locator (wrong field count); a non-numeric port
// field is tolerated and decodes to 0 rather than failing outright, since
// the port is advisory for logging and not required for correctness.
func DecodeLocator(raw string) (Locator, bool) {
	fields := strings.SplitN(strings.TrimSpace(raw), locatorDelim, 3)
	if len(fields) != 3 {
		return Locator{}, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		port = 0
	}
	return Locator{
		Host:     strings.TrimSpace(fields[0]),
		Port:     port,
		FileName: strings.TrimSpace(fields[2]),
	}, true
}

// Address renders the locator's network location as a dialable string.
func (l Locator) Address() string {
	host := strings.TrimSpace(l.Host)
	if host == "" {
		host = "localhost"
	}
	if l.Port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(l.Port))
	}
	return host
}

// MatchesAddress reports whether address refers to the same node as this
// locator — used to short-circuit a resume/cancel request that turns out
// to already be talking to the node that owns the recording.
func (l Locator) MatchesAddress(address string) bool {
	if strings.TrimSpace(address) == "" {
		return false
	}
	return addressesEqual(l.Address(), address)
}

// addressesEqual compares two "host:port" (or bare host) strings
// case-insensitively on the host and exactly on the port, falling back to
// a literal compare when either side doesn't parse as host:port.
func addressesEqual(a, b string) bool {
	na, nb := normalizeAddress(a), normalizeAddress(b)
	if na == nb {
		return true
	}
	ha, pa, errA := splitHostPortLenient(na)
	hb, pb, errB := splitHostPortLenient(nb)
	if errA != nil || errB != nil {
		return false
	}
	return pa == pb && strings.EqualFold(ha, hb)
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// splitHostPortLenient handles addresses net.SplitHostPort rejects in ways
// that still matter here, such as a bare "host:port" with a host that
// itself isn't bracket-quoted IPv6.
func splitHostPortLenient(address string) (string, string, error) {
	if host, port, err := net.SplitHostPort(address); err == nil {
		return host, port, nil
	}
	idx := strings.LastIndex(address, ":")
	if idx <= 0 || idx >= len(address)-1 {
		return "", "", fmt.Errorf("%q is not host:port", address)
	}
	return address[:idx], address[idx+1:], nil
}
