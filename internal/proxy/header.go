// Package proxy implements a threaded HTTP/HTTPS forwarding proxy: it
// parses inbound request headers, distinguishes CONNECT tunnels from
// ordinary requests, downgrades HTTP/1.1 to HTTP/1.0 for the latter, and
// relays bytes for both.
package proxy

import (
	"strings"
)

// Header is a parsed view over a raw HTTP request's header block, mirroring
// the original Python HttpHeader class field-for-field.
type Header struct {
	raw string
}

// ParseHeader wraps a decoded request string for field extraction. It does
// not itself validate the request; callers check the ok result of Host().
func ParseHeader(raw string) Header { return Header{raw: raw} }

// Raw returns the original request text.
func (h Header) Raw() string { return h.raw }

// StartLine returns the text up to the first newline.
func (h Header) StartLine() string {
	if idx := strings.IndexByte(h.raw, '\n'); idx != -1 {
		return h.raw[:idx]
	}
	return h.raw
}

// IsConnect reports whether the request is an HTTP CONNECT tunnel request.
func (h Header) IsConnect() bool {
	return strings.Contains(strings.ToLower(h.raw), "connect ")
}

// hostLine returns the raw "Host: ..." line (case-insensitive search for
// "host"), or "" if none is present.
func (h Header) hostLine() (string, bool) {
	lower := strings.ToLower(h.raw)
	idx := strings.Index(lower, "host")
	if idx == -1 {
		return "", false
	}
	rest := h.raw[idx:]
	if end := strings.IndexByte(rest, '\n'); end != -1 {
		rest = rest[:end]
	}
	return rest, true
}

// Host extracts the target hostname from the Host header, stripping a
// leading scheme, a "user@" prefix, a trailing path, and a ":port"
// suffix. Returns "", false if there is no Host header.
func (h Header) Host() (string, bool) {
	line, ok := h.hostLine()
	if !ok {
		return "", false
	}
	// "host" is 4 characters; the source trims 5 to also eat the colon.
	value := line
	if len(value) >= 4 {
		value = value[4:]
	}
	value = strings.TrimPrefix(value, ":")
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "http://")
	value = strings.TrimPrefix(value, "https://")
	value = strings.TrimSpace(value)

	if at := strings.LastIndex(value, "@"); at != -1 {
		value = value[at+1:]
	}
	value = strings.Trim(value, "/")
	if slash := strings.IndexByte(value, '/'); slash != -1 {
		value = value[:slash]
	}
	if colon := strings.IndexByte(value, ':'); colon != -1 {
		value = value[:colon]
	}
	if value == "" {
		return "", false
	}
	return value, true
}

// Port returns the target port: from the Host header's ":port" suffix if
// present, else 443 for a CONNECT start line, else 80.
func (h Header) Port() int {
	line, ok := h.hostLine()
	if ok {
		value := line
		if len(value) >= 4 {
			value = value[4:]
		}
		value = strings.TrimPrefix(value, ":")
		value = strings.TrimSpace(value)
		if colon := strings.IndexByte(value, ':'); colon != -1 {
			portPart := value[colon+1:]
			if slash := strings.IndexByte(portPart, '/'); slash != -1 {
				portPart = portPart[:slash]
			}
			if port, ok := parsePort(portPart); ok {
				return port
			}
		}
	}
	if strings.HasPrefix(strings.ToLower(h.StartLine()), "connect ") {
		return 443
	}
	return 80
}

func parsePort(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// Version returns the 8-character substring starting at the first "HTTP/"
// (case-insensitive) anywhere in the request, e.g. "HTTP/1.1", or
// "HTTP/1.0" when there is no such substring of full length.
func (h Header) Version() string {
	lower := strings.ToLower(h.raw)
	idx := strings.Index(lower, "http/")
	if idx == -1 || idx+8 > len(h.raw) {
		return "HTTP/1.0"
	}
	return h.raw[idx : idx+8]
}

// Downgrade rewrites the request to replace the first "/1.1" with "/1.0"
// and every "keep-alive" with "close", matching spec.md §4.6 step 4.
func Downgrade(raw string) string {
	rewritten := strings.Replace(raw, "/1.1", "/1.0", 1)
	rewritten = strings.ReplaceAll(rewritten, "keep-alive", "close")
	return rewritten
}
