package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dialAndWrite(t *testing.T, addr net.Addr, payload string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
	return conn
}

func TestServerAcceptsAndRelaysBadGatewayOnUnreachableUpstream(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", nil, testMetrics())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn := dialAndWrite(t, srv.Addr(), "GET / HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")
	defer conn.Close()

	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "502 Bad Gateway")
}
