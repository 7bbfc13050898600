package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostStripsSchemeUserinfoPathAndPort(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "plain host line",
			raw:  "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: "example.com",
		},
		{
			name: "host line with port",
			raw:  "GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			want: "example.com",
		},
		{
			name: "host line with scheme",
			raw:  "GET / HTTP/1.1\r\nHost: http://example.com\r\n\r\n",
			want: "example.com",
		},
		{
			name: "host line with userinfo",
			raw:  "GET / HTTP/1.1\r\nHost: user:pass@example.com\r\n\r\n",
			want: "example.com",
		},
		{
			name: "host line with trailing path",
			raw:  "GET / HTTP/1.1\r\nHost: example.com/some/path\r\n\r\n",
			want: "example.com",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := ParseHeader(tc.raw)
			got, ok := h.Host()
			assert.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHostMissingReturnsFalse(t *testing.T) {
	h := ParseHeader("GET / HTTP/1.1\r\n\r\n")
	_, ok := h.Host()
	assert.False(t, ok)
}

func TestPortDefaultsAndOverrides(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{
			name: "plain GET defaults to 80",
			raw:  "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: 80,
		},
		{
			name: "explicit port on host line",
			raw:  "GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			want: 8080,
		},
		{
			name: "CONNECT with no explicit port defaults to 443",
			raw:  "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: 443,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := ParseHeader(tc.raw)
			assert.Equal(t, tc.want, h.Port())
		})
	}
}

func TestIsConnect(t *testing.T) {
	assert.True(t, ParseHeader("CONNECT example.com:443 HTTP/1.1\r\n\r\n").IsConnect())
	assert.False(t, ParseHeader("GET / HTTP/1.1\r\n\r\n").IsConnect())
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "HTTP/1.1", ParseHeader("GET / HTTP/1.1\r\nHost: x\r\n\r\n").Version())
	assert.Equal(t, "HTTP/1.0", ParseHeader("GET / HTTP/1.0\r\nHost: x\r\n\r\n").Version())
	assert.Equal(t, "HTTP/1.0", ParseHeader("GET / NOTHTTP\r\n\r\n").Version())
}

func TestDowngradeRewritesVersionAndKeepAlive(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n"
	got := Downgrade(raw)
	assert.Contains(t, got, "HTTP/1.0")
	assert.NotContains(t, got, "HTTP/1.1")
	assert.Contains(t, got, "Connection: close")
	assert.NotContains(t, got, "keep-alive")
}

func TestDowngradeIsNoopWhenAlreadyHTTP10(t *testing.T) {
	raw := "GET / HTTP/1.0\r\nHost: example.com\r\nConnection: close\r\n\r\n"
	assert.Equal(t, raw, Downgrade(raw))
}

func TestStartLine(t *testing.T) {
	h := ParseHeader("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	assert.Equal(t, "GET / HTTP/1.1\r", h.StartLine())
}
