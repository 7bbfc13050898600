package proxy

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"uapnet/internal/metrics"
)

// listenBacklog approximates the source's socket.listen(5); Go's net
// package does not expose the backlog directly, so this is documented
// here rather than configured (see DESIGN.md).
const listenBacklog = 5

// acceptRateLimit guards the acceptor against accept-storms. This is a
// resource guard, not a protocol feature (see SPEC_FULL.md domain stack).
const acceptRateLimit = 200 // connections/sec
const acceptBurst = 50

// Server is the proxy's TCP acceptor.
type Server struct {
	listener net.Listener
	log      *logrus.Entry
	metrics  *metrics.Proxy
	limiter  *rate.Limiter
}

// NewServer binds a TCP listener on addr.
func NewServer(addr string, log *logrus.Logger, m *metrics.Proxy) (*Server, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "proxy: listen on %s", addr)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		listener: ln,
		log:      logrus.NewEntry(log),
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(acceptRateLimit), acceptBurst),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run accepts connections until ctx is canceled, spawning one goroutine
// per connection (spec.md §5 "one OS thread per accepted connection").
// There is no graceful drain of in-flight sessions: per spec.md §5, the
// proxy has no graceful shutdown path in the source, so closing the
// listener and letting sessions run to completion is the documented
// behavior.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "proxy: accept")
		}
		if err := s.limiter.Wait(ctx); err != nil {
			_ = conn.Close()
			continue
		}
		s.metrics.ConnectionsTotal.Inc()
		sessionLog := s.log.WithField("peer", conn.RemoteAddr().String())
		sessionLog.Info("accepted connection")
		go NewSession(conn, sessionLog, s.metrics).Serve(ctx)
	}
}
