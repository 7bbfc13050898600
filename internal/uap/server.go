package uap

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultInactiveTimeout is T_inactive from spec.md §4.5/§5: the maximum
// time a session may go without receiving a packet before the server
// unilaterally terminates it.
const DefaultInactiveTimeout = 1000 * time.Second

// sweepInterval is the sweeper's fixed period (spec.md §4.5).
const sweepInterval = 1 * time.Second

// maxDatagramSize bounds a single recvfrom; UAP carries no fragmentation.
const maxDatagramSize = 65507

// ServerConfig configures a Server.
type ServerConfig struct {
	// InactiveTimeout is T_inactive. Zero means DefaultInactiveTimeout.
	InactiveTimeout time.Duration
	Logger          *logrus.Logger
	Metrics         Metrics
}

// Metrics is the subset of observability hooks the server calls into. A
// nil Metrics is valid; every method is a no-op wrapper over it.
type Metrics interface {
	SessionCreated()
	SessionClosed()
	PacketDropped(reason string)
}

// Server is the UAP server: a UDP socket, a session table, a logical
// clock, an inactivity sweeper, and a packet handler. The listener and
// sweeper goroutines, and the shutdown broadcast that Run performs after
// both have stopped, interact with the session table exclusively through
// sessionTable's locked methods.
type Server struct {
	conn    *net.UDPConn
	table   *sessionTable
	clock   LogicalClock
	cfg     ServerConfig
	log     *logrus.Entry
	metrics Metrics
}

// NewServer binds a UDP socket on addr and constructs a Server. The
// socket is not read from until Run is called.
func NewServer(addr *net.UDPAddr, cfg ServerConfig) (*Server, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "uap: listen on %s", addr)
	}
	if cfg.InactiveTimeout <= 0 {
		cfg.InactiveTimeout = DefaultInactiveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	var m Metrics = cfg.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Server{
		conn:    conn,
		table:   newSessionTable(),
		cfg:     cfg,
		log:     logrus.NewEntry(cfg.Logger),
		metrics: m,
	}, nil
}

// LocalAddr returns the address the server is bound to.
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Run drives the listener and sweeper until ctx is canceled, then
// broadcasts GOODBYE to every open session before returning (spec.md §5
// "Cancellation").
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listen(gctx) })
	g.Go(func() error { return s.sweep(gctx) })

	err := g.Wait()
	s.shutdown()
	closeErr := s.conn.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return closeErr
}

// listen is the packet-receive loop. Each datagram is handled inline;
// spec.md §5 requires ordering to be preserved within a session, which a
// single reader goroutine guarantees trivially.
func (s *Server) listen(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return errors.Wrap(err, "uap: read")
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.handlePacket(raw, addr)
	}
}

// handlePacket implements the server state machine of spec.md §4.3.
func (s *Server) handlePacket(raw []byte, addr *net.UDPAddr) {
	pkt, err := Decode(raw)
	if err != nil || !ValidMagic(pkt) {
		s.metrics.PacketDropped("bad_magic_or_malformed")
		return
	}
	now := time.Now()
	s.clock.Observe(pkt.LogicalClock)

	rec, known := s.table.get(pkt.SessionID)
	if !known {
		if s.table.wasRecentlyClosed(pkt.SessionID, now) && pkt.Command != CommandHello {
			// A stale datagram raced the sweeper's close. Drop it rather
			// than resurrecting the session for anything but a fresh HELLO.
			s.metrics.PacketDropped("recently_closed")
			return
		}
		s.table.create(pkt.SessionID, addr, pkt.Sequence, now)
		s.metrics.SessionCreated()
		s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": pkt.Sequence}).Info("Session created")
		s.reply(CommandAlive, pkt.SessionID, pkt.Sequence+1, addr)
		return
	}

	// Signed arithmetic here deliberately mirrors the reference
	// implementation's Python comparisons: expected_seq - 1 can go
	// negative right after a session is created from a HELLO with
	// seq 0, and that must compare as "less than any real sequence
	// number" rather than wrap around like unsigned math would.
	seq := int64(pkt.Sequence)
	expected := int64(rec.expectedSeq)

	switch {
	case seq == expected-1:
		s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": pkt.Sequence}).Info("Duplicate packet")
		s.metrics.PacketDropped("duplicate")
		return

	case seq < expected-1:
		s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": pkt.Sequence}).Warn("Protocol Error")
		s.reply(CommandGoodbye, pkt.SessionID, pkt.Sequence+1, addr)
		s.table.close(pkt.SessionID, now)
		s.metrics.SessionClosed()
		s.log.WithField("session_id", sessionHex(pkt.SessionID)).Info("Session closed")
		return

	case seq > expected:
		for missing := rec.expectedSeq; missing < pkt.Sequence; missing++ {
			if missing == 0 {
				continue
			}
			s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": missing}).Warn("Lost packet")
		}
		s.table.create(pkt.SessionID, addr, pkt.Sequence+1, now) // re-arm lastActive + expectedSeq

	default: // pkt.Sequence == rec.expectedSeq
		s.table.create(pkt.SessionID, addr, pkt.Sequence+1, now)
	}

	s.dispatch(pkt, addr, now)
}

// dispatch handles an accepted (non-duplicate, non-regressed) packet's
// command, per spec.md §4.3 step 4.
func (s *Server) dispatch(pkt Packet, addr *net.UDPAddr, now time.Time) {
	switch pkt.Command {
	case CommandHello:
		s.reply(CommandAlive, pkt.SessionID, pkt.Sequence+1, addr)

	case CommandData:
		if strings.EqualFold(strings.TrimSpace(string(pkt.Payload)), "q") {
			s.reply(CommandGoodbye, pkt.SessionID, pkt.Sequence+1, addr)
			s.table.close(pkt.SessionID, now)
			s.metrics.SessionClosed()
			s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": pkt.Sequence}).Info("GOODBYE from client")
			s.log.WithField("session_id", sessionHex(pkt.SessionID)).Info("Session closed")
			return
		}
		s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": pkt.Sequence}).Infof("%s", pkt.Payload)
		s.reply(CommandAlive, pkt.SessionID, pkt.Sequence+1, addr)

	case CommandGoodbye:
		s.reply(CommandGoodbye, pkt.SessionID, pkt.Sequence+1, addr)
		s.table.close(pkt.SessionID, now)
		s.metrics.SessionClosed()
		s.log.WithFields(logrus.Fields{"session_id": sessionHex(pkt.SessionID), "seq": pkt.Sequence}).Info("GOODBYE from client")
		s.log.WithField("session_id", sessionHex(pkt.SessionID)).Info("Session closed")

	default:
		s.metrics.PacketDropped("unknown_command")
	}
}

func (s *Server) reply(cmd Command, sessionID, seq uint32, addr *net.UDPAddr) {
	pkt := Packet{
		Magic:        Magic,
		Version:      Version,
		Command:      cmd,
		Sequence:     seq,
		SessionID:    sessionID,
		LogicalClock: s.clock.Tick(),
	}
	if _, err := s.conn.WriteToUDP(Encode(pkt), addr); err != nil {
		s.log.WithError(err).Debugf("Sent %s to %s", cmd, addr)
		return
	}
	s.log.Debugf("Sent %s to %s", cmd, addr)
}

// sweep runs the inactivity timeout loop of spec.md §4.5.
func (s *Server) sweep(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			expired := s.table.sweepExpired(now, s.cfg.InactiveTimeout)
			for id, rec := range expired {
				s.metrics.SessionClosed()
				s.log.WithField("session_id", sessionHex(id)).Info("Session timed out due to inactivity")
				s.reply(CommandGoodbye, id, 0, rec.peerAddr.(*net.UDPAddr))
			}
		}
	}
}

// shutdown broadcasts GOODBYE to every still-open session, per spec.md
// §5 "Cancellation".
func (s *Server) shutdown() {
	now := time.Now()
	all := s.table.drainAll(now)
	for id, rec := range all {
		s.metrics.SessionClosed()
		s.reply(CommandGoodbye, id, 0, rec.peerAddr.(*net.UDPAddr))
		s.log.WithField("session_id", sessionHex(id)).Info("Terminating session for shutdown")
	}
}

func sessionHex(id uint32) string { return "0x" + strconv.FormatUint(uint64(id), 16) }

type noopMetrics struct{}

func (noopMetrics) SessionCreated()      {}
func (noopMetrics) SessionClosed()       {}
func (noopMetrics) PacketDropped(string) {}
