package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"uapnet/internal/metrics"
)

// requestChunkSize and connectBufferSize match spec.md §4.6 / §5.
const (
	requestChunkSize  = 2048
	connectBufferSize = 4096
	readIdleTimeout   = 20 * time.Second
	dialTimeout       = 20 * time.Second
)

// Session handles one accepted client connection end to end: read the
// request headers, parse them, connect upstream, and relay.
type Session struct {
	client  net.Conn
	log     *logrus.Entry
	metrics *metrics.Proxy
}

// NewSession wraps an accepted connection.
func NewSession(client net.Conn, log *logrus.Entry, m *metrics.Proxy) *Session {
	return &Session{client: client, log: log, metrics: m}
}

// Serve runs the session to completion, always closing the client
// connection before returning (spec.md §4.6 step 5, §7 "no error path
// ever leaks a socket").
func (s *Session) Serve(ctx context.Context) {
	defer s.client.Close()

	raw, err := s.readRequest()
	if err != nil {
		s.log.WithError(err).Debug("failed to read request")
		return
	}
	if len(raw) == 0 {
		return
	}

	header := ParseHeader(decodeUTF8Lenient(raw))
	s.log.WithFields(logrus.Fields{
		"raw_request": header.Raw(),
		"start_line":  header.StartLine(),
	}).Debug("parsed request")

	host, ok := header.Host()
	if !ok {
		return
	}
	port := header.Port()
	version := header.Version()

	s.log.WithFields(logrus.Fields{
		"parsed_host":    host,
		"parsed_port":    port,
		"parsed_version": version,
	}).Info(">>> " + header.StartLine())

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		s.metrics.UpstreamFailures.Inc()
		s.log.WithError(err).Warnf("upstream dial failed for %s:%d", host, port)
		s.writeBadGateway(version)
		return
	}
	defer upstream.Close()

	if header.IsConnect() {
		s.relayConnect(ctx, upstream)
		return
	}
	s.relayPlain(ctx, header, upstream)
}

// readRequest reads in requestChunkSize chunks up to readIdleTimeout,
// stopping at the first end-of-headers marker (spec.md §4.6 step 1).
func (s *Session) readRequest() ([]byte, error) {
	if tc, ok := s.client.(*net.TCPConn); ok {
		_ = tc.SetReadDeadline(time.Now().Add(readIdleTimeout))
	}
	var buf []byte
	chunk := make([]byte, requestChunkSize)
	for {
		n, err := s.client.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if containsEndOfHeaders(buf) {
				break
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return buf, errors.Wrap(err, "proxy: read request")
		}
	}
	return buf, nil
}

func containsEndOfHeaders(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func (s *Session) writeBadGateway(version string) {
	resp := fmt.Sprintf("%s 502 Bad Gateway\r\n\r\n", version)
	_, _ = s.client.Write([]byte(resp))
}

// relayPlain implements spec.md §4.6 step 4 (non-CONNECT): rewrite and
// forward the request once, then pipe both directions, returning once both
// pumps have stopped (see pump for when each one stops). Per spec.md §9's
// redesign instruction, this pipes client->server as well as
// server->client, fixing the source's request-body truncation bug.
func (s *Session) relayPlain(ctx context.Context, header Header, upstream net.Conn) {
	rewritten := Downgrade(header.Raw())
	if _, err := upstream.Write([]byte(rewritten)); err != nil {
		s.log.WithError(err).Debug("failed to forward request upstream")
		return
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(upstream, s.client, connectBufferSize) })
	g.Go(func() error { return pump(s.client, upstream, connectBufferSize) })
	_ = g.Wait()
}

// relayConnect implements spec.md §4.6 step 4 (CONNECT): acknowledge the
// tunnel, then run two independent byte pumps and return once both have
// stopped. A close on one side stops only the pump reading from that side;
// the opposite pump keeps running until its own source hits EOF, a write
// fails, or readIdleTimeout passes with nothing read. A CONNECT tunnel
// carries a long-lived TLS session (see the glossary), so it survives as
// long as bytes keep flowing in either direction.
func (s *Session) relayConnect(ctx context.Context, upstream net.Conn) {
	if _, err := s.client.Write([]byte("HTTP/1.0 200 OK\r\n\r\n")); err != nil {
		s.log.WithError(err).Debug("failed to ack CONNECT")
		return
	}
	s.metrics.ConnectTunnels.Inc()
	defer s.metrics.ConnectTunnels.Dec()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(upstream, s.client, connectBufferSize) })
	g.Go(func() error { return pump(s.client, upstream, connectBufferSize) })
	_ = g.Wait()
}

// pump copies from src to dst until EOF, write error, or readIdleTimeout
// elapses with no data from src, returning nil in every case (spec.md §7:
// no error is surfaced to the peer beyond a transport close). The read
// deadline is reset before every read, matching the source's
// socket.settimeout(20): a per-operation idle timeout, not a cap on the
// connection's total lifetime, so an actively relaying CONNECT tunnel is
// never torn down just for running longer than readIdleTimeout.
func pump(dst io.Writer, src net.Conn, bufSize int) error {
	buf := make([]byte, bufSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(readIdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil
			}
		}
		if err != nil {
			return nil
		}
	}
}

func decodeUTF8Lenient(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
