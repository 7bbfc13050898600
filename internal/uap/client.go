package uap

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ClientInactivityTimeout is the client-side inactivity bound from the
// original source: if no packet arrives from the server within this
// window of the last received packet (or of the start of the receive
// loop), the client gives up and sends GOODBYE. Sending does not reset it.
const ClientInactivityTimeout = 1000 * time.Second

// fileDrainDelay is how long the client waits after sending the last
// line of an input file before sending GOODBYE, so the server has time
// to flush its logs (spec.md §4.4).
const fileDrainDelay = 4 * time.Second

// LineSource yields the lines a Client sends as DATA. ReadLine returns
// io.EOF when exhausted.
type LineSource interface {
	ReadLine() (string, error)
	// IsFile reports whether this source is a file (vs. interactive
	// stdin), which controls whether blank lines are skipped and
	// whether a drain delay precedes the final GOODBYE.
	IsFile() bool
}

// Client is a single UAP client session. The protocol only ever runs one
// session per client process (spec.md §3 "Client state").
type Client struct {
	conn      *net.UDPConn
	sessionID uint32
	nextSeq   uint32
	clock     LogicalClock
	log       *logrus.Entry

	mu      sync.Mutex
	running bool
	quiet   bool // mirrors the source's outputFlag: suppress noisy "Received X" logs once GOODBYE has been sent
}

// Dial opens a UDP socket connected to raddr and creates a Client on it. The session id is
// chosen uniformly from [1, 2^32-1], per spec.md §3.
func Dial(raddr *net.UDPAddr, log *logrus.Logger) (*Client, error) {
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "uap: dial %s", raddr)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := uint32(rand.Int63n(0xFFFFFFFF)) + 1
	return &Client{
		conn:      conn,
		sessionID: id,
		log:       logrus.NewEntry(log).WithField("session_id", sessionHex(id)),
		running:   true,
	}, nil
}

// Run sends HELLO, then forwards lines from src as DATA, and returns once
// the session is finished (EOF/`q`/timeout/server GOODBYE).
func (c *Client) Run(ctx context.Context, src LineSource) error {
	defer c.conn.Close()

	if err := c.sendHello(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- c.receiveLoop(ctx) }()

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- c.sendLoop(ctx, src) }()

	select {
	case <-ctx.Done():
	case err := <-recvErrCh:
		cancel()
		if err != nil {
			return err
		}
	case err := <-sendErrCh:
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendHello() error {
	pkt := Packet{Magic: Magic, Version: Version, Command: CommandHello, Sequence: c.nextSeq, SessionID: c.sessionID, LogicalClock: c.clock.Tick()}
	c.nextSeq++
	c.log.Info("Sending HELLO...")
	_, err := c.conn.Write(Encode(pkt))
	return errors.Wrap(err, "uap: send hello")
}

func (c *Client) sendGoodbye() error {
	pkt := Packet{Magic: Magic, Version: Version, Command: CommandGoodbye, Sequence: c.nextSeq, SessionID: c.sessionID, LogicalClock: c.clock.Tick()}
	c.nextSeq++
	c.log.Info("Sending GOODBYE...")
	c.mu.Lock()
	c.running = false
	c.quiet = true
	c.mu.Unlock()
	_, err := c.conn.Write(Encode(pkt))
	return errors.Wrap(err, "uap: send goodbye")
}

func (c *Client) sendData(line string) error {
	pkt := Packet{Magic: Magic, Version: Version, Command: CommandData, Sequence: c.nextSeq, SessionID: c.sessionID, LogicalClock: c.clock.Tick(), Payload: []byte(line)}
	c.nextSeq++
	_, err := c.conn.Write(Encode(pkt))
	return errors.Wrap(err, "uap: send data")
}

func (c *Client) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// sendLoop reads lines from src and sends them as DATA until EOF, user
// `q`, or the session stops running.
func (c *Client) sendLoop(ctx context.Context, src LineSource) error {
	for c.isRunning() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line, err := src.ReadLine()
		if err == io.EOF {
			if src.IsFile() {
				c.log.Info("Waiting for server to finish printing")
				time.Sleep(fileDrainDelay)
			}
			return c.sendGoodbye()
		}
		if err != nil {
			return errors.Wrap(err, "uap: read line")
		}
		if src.IsFile() && strings.TrimSpace(line) == "" {
			continue
		}
		if !src.IsFile() && strings.EqualFold(strings.TrimSpace(line), "q") {
			return c.sendGoodbye()
		}
		if err := c.sendData(line); err != nil {
			return err
		}
	}
	return nil
}

// receiveLoop reads server replies and applies the client-side
// inactivity timer and GOODBYE handling of spec.md §4.4.
func (c *Client) receiveLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	deadline := time.Now().Add(ClientInactivityTimeout)
	for c.isRunning() {
		_ = c.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Now().After(deadline) {
					c.log.Info("Timeout reached. Sending GOODBYE...")
					return c.sendGoodbye()
				}
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "uap: read")
		}
		deadline = time.Now().Add(ClientInactivityTimeout)

		pkt, err := Decode(buf[:n])
		if err != nil || !ValidMagic(pkt) {
			continue
		}
		c.clock.Observe(pkt.LogicalClock)
		c.mu.Lock()
		quiet := c.quiet
		c.mu.Unlock()
		if !quiet {
			c.log.Infof("Received %s from server", pkt.Command)
		}
		if pkt.Command == CommandGoodbye {
			c.log.Info("Closing connection...")
			c.setRunning(false)
			return nil
		}
	}
	return nil
}

// fileLineSource reads non-blank lines from a file, skipping blanks.
type fileLineSource struct{ r *bufio.Scanner }

func NewFileLineSource(r io.Reader) LineSource {
	return &fileLineSource{r: bufio.NewScanner(r)}
}

func (f *fileLineSource) ReadLine() (string, error) {
	if !f.r.Scan() {
		if err := f.r.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return f.r.Text(), nil
}
func (f *fileLineSource) IsFile() bool { return true }

// stdinLineSource reads lines from an interactive reader (normally os.Stdin).
type stdinLineSource struct{ r *bufio.Scanner }

func NewStdinLineSource(r io.Reader) LineSource {
	return &stdinLineSource{r: bufio.NewScanner(r)}
}

func (s *stdinLineSource) ReadLine() (string, error) {
	if !s.r.Scan() {
		if err := s.r.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.r.Text(), nil
}
func (s *stdinLineSource) IsFile() bool { return false }
