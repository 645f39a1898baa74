// Package origin normalizes browser Origin headers and applies the relay's
// allow-list.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin browsers send from sandboxed or file:// pages.
const Null = "null"

// Normalize validates an Origin header and returns it as scheme://host[:port]
// along with the host[:port] part. Default ports are dropped.
func Normalize(header string) (normalized, host string, ok bool) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return "", "", false
	}
	if raw == Null {
		return Null, "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a normalized origin may open a relay connection
// on requestHost. With an empty allow-list only same-host origins pass; the
// scheme is not compared so a TLS-terminating proxy in front of the relay
// does not break browsers.
func Allowed(normalized, originHost, requestHost string, allowList []string) bool {
	if len(allowList) > 0 {
		for _, allowed := range allowList {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == originHost
}

func canonicalHost(authority, scheme string) (string, bool) {
	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		if p == "" {
			return "", false
		}
		hostname, port = h, p
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
