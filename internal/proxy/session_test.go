package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"uapnet/internal/metrics"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testMetrics() *metrics.Proxy {
	return metrics.NewProxy(prometheus.NewRegistry())
}

// fakeUpstream starts a bare TCP listener that echoes a fixed response
// back to whatever it's sent, standing in for an origin server.
func fakeUpstream(t *testing.T, respond func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		respond(conn)
	}()
	return ln.Addr().String()
}

func TestSessionRelaysPlainRequestAndResponseBidirectionally(t *testing.T) {
	host, port, err := net.SplitHostPort(fakeUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		require.Contains(t, string(buf[:n]), "GET / HTTP/1.0")
		_, _ = conn.Write([]byte("HTTP/1.0 200 OK\r\n\r\nhello"))
	}))
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()

	sess := NewSession(serverConn, testLog(), testMetrics())
	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	req := "GET / HTTP/1.1\r\nHost: " + host + ":" + port + "\r\nConnection: keep-alive\r\n\r\n"
	_, err = clientConn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200 OK")

	// Closing the client side unblocks the pump reading from it, letting
	// Serve's errgroup finish once the upstream side also drains.
	clientConn.Close()
	<-done
}

func TestSessionReturnsBadGatewayOnDialFailure(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	sess := NewSession(serverConn, testLog(), testMetrics())
	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	req := "GET / HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"
	_, err := clientConn.Write([]byte(req))
	require.NoError(t, err)

	buf := make([]byte, 256)
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "502 Bad Gateway")

	<-done
}

func TestSessionReturnsWithNoReplyWhenHostHeaderMissing(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	sess := NewSession(serverConn, testLog(), testMetrics())
	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	req := "GET / HTTP/1.1\r\n\r\n"
	_, err := clientConn.Write([]byte(req))
	require.NoError(t, err)

	<-done // Serve must return (and close the connection) without hanging
}
