// Package server implements the readiness-multiplexed connection manager: a
// single goroutine owns every connection and its session, while small pump
// goroutines perform the blocking socket operations and report back.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dcrodman/warden/internal/core"
	archdebug "github.com/dcrodman/warden/internal/core/debug"
	"github.com/dcrodman/warden/internal/core/metrics"
)

// Backend is the protocol served over the connections of a Manager.
type Backend interface {
	// Identifier returns a uniquely identifying string.
	Identifier() string

	// NewSession creates the protocol state for a connection that completed
	// its TLS handshake. It is called before the connection is polled.
	NewSession(c *Connection) Session

	// ProcessResponses runs at the start of every tick, on the polling
	// goroutine, to deliver results produced elsewhere (database responses).
	ProcessResponses()
}

const (
	pollIn uint8 = 1 << iota
	pollOut
	pollErr
)

// pollEntry is the readiness record of the connection at the same index.
type pollEntry struct {
	events  uint8
	revents uint8
}

// Manager accepts connections, completes their TLS handshakes and services
// them from a single goroutine through Poll.
type Manager struct {
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Entry
	Metrics *metrics.Metrics

	tlsConfig    *tls.Config
	packetLogger *archdebug.PacketLogger
	pollTimeout  time.Duration
	acceptSleep  time.Duration

	listener   net.Listener
	handshakes *semaphore.Weighted

	// conns and poll are kept in lockstep: poll[i] describes conns[i].
	conns []*Connection
	poll  []*pollEntry

	events   chan event
	accepted chan *tls.Conn
	wake     chan struct{}
	done     chan struct{}

	// handshakeCtx is cancelled by Close to abort pending handshakes.
	handshakeCtx    context.Context
	cancelHandshake context.CancelFunc

	connCount atomic.Int64
	closeOnce sync.Once
	acceptWg  sync.WaitGroup
}

// NewManager creates a Manager for backend. m may be nil.
func NewManager(cfg *core.Config, backend Backend, tlsConfig *tls.Config, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	pollTimeout := cfg.AuthServer.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 3 * time.Second
	}
	maxHandshakes := int64(cfg.AuthServer.MaxConcurrentHandshakes)
	if maxHandshakes <= 0 {
		maxHandshakes = 64
	}
	if m == nil {
		m = metrics.New()
	}

	handshakeCtx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		Backend:     backend,
		Config:      cfg,
		Logger:      logger.WithField("server", backend.Identifier()),
		Metrics:     m,
		tlsConfig:   tlsConfig,
		pollTimeout: pollTimeout,
		acceptSleep: time.Second,
		handshakes:  semaphore.NewWeighted(maxHandshakes),
		events:      make(chan event, 256),
		accepted:    make(chan *tls.Conn, 64),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),

		handshakeCtx:    handshakeCtx,
		cancelHandshake: cancel,
	}
	if cfg.Debugging.PacketLoggingEnabled {
		mgr.packetLogger = archdebug.NewPacketLogger(logger)
	}
	return mgr
}

// Listen opens the listening socket on address and spins off the acceptor.
func (m *Manager) Listen(ctx context.Context, address string) error {
	lc := net.ListenConfig{Control: controlSocket}
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", address, err)
	}
	m.listener = listener

	m.acceptWg.Add(1)
	go m.acceptLoop()

	m.Logger.Infof("waiting for connections on %v", listener.Addr())
	return nil
}

// Addr returns the address of the listening socket.
func (m *Manager) Addr() net.Addr {
	return m.listener.Addr()
}

// Connections returns the number of registered connections.
func (m *Manager) Connections() int {
	return int(m.connCount.Load())
}

// acceptLoop accepts TCP connections and hands each to its own handshake
// goroutine. Only connections that complete the handshake reach the poller.
func (m *Manager) acceptLoop() {
	defer m.acceptWg.Done()

	for {
		// Poll until we can accept more clients.
		for m.Config.MaxConnections > 0 && m.Connections() >= m.Config.MaxConnections {
			select {
			case <-m.done:
				return
			case <-time.After(m.acceptSleep):
			}
		}

		conn, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.Logger.Warnf("failed to accept connection: %s", err)
			continue
		}

		m.acceptWg.Add(1)
		go m.handshake(conn)
	}
}

func (m *Manager) handshake(conn net.Conn) {
	defer m.acceptWg.Done()

	ctx, cancel := context.WithTimeout(m.handshakeCtx, m.handshakeTimeout())
	defer cancel()

	if err := m.handshakes.Acquire(ctx, 1); err != nil {
		m.Logger.Warnf("dropping connection from %s: too many pending handshakes", conn.RemoteAddr())
		m.Metrics.TotalConnections.WithLabelValues("rejected").Inc()
		_ = conn.Close()
		return
	}
	defer m.handshakes.Release(1)

	tlsConn := tls.Server(conn, m.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		m.Logger.Infof("TLS handshake with %s failed: %s", conn.RemoteAddr(), err)
		m.Metrics.HandshakeFailures.Inc()
		m.Metrics.TotalConnections.WithLabelValues("handshake_failed").Inc()
		_ = conn.Close()
		return
	}

	select {
	case m.accepted <- tlsConn:
	case <-m.done:
		_ = tlsConn.Close()
	}
}

func (m *Manager) handshakeTimeout() time.Duration {
	if t := m.Config.AuthServer.HandshakeTimeout; t > 0 {
		return t
	}
	return 5 * time.Second
}

// post delivers a pump event, returning false once the manager is closed.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// WakeUp interrupts a Poll that is waiting for readiness. It never blocks and
// may be called from any goroutine.
func (m *Manager) WakeUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled and then closes every connection.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()

	for {
		if err := m.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				m.Logger.Infof("shutting down (%d connections open)", len(m.conns))
				return nil
			}
			return err
		}
	}
}

// Poll runs one tick of the event loop:
//
//  0. deliver backend responses (database callbacks)
//  1. wait for readiness, without waiting if some connection is already writable
//  2. register connections that completed their handshake
//  3. Send on every write-ready connection
//  4. Receive on every read-ready connection
//  5. remove errored and closing connections
func (m *Manager) Poll(ctx context.Context) error {
	m.Backend.ProcessResponses()

	timeout := m.pollTimeout
	for i, c := range m.conns {
		m.poll[i].events = pollIn
		if c.wantsWrite() {
			m.poll[i].events |= pollOut
		}
		m.poll[i].revents = 0
		if c.writable() || (c.readReady && !c.Closing()) {
			timeout = 0
		}
	}

	var accepted []*tls.Conn
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case ev := <-m.events:
			m.apply(ev)
		case tc := <-m.accepted:
			accepted = append(accepted, tc)
		case <-m.wake:
		case <-timer.C:
		}
		timer.Stop()
	} else if err := ctx.Err(); err != nil {
		return err
	}

drain:
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		case tc := <-m.accepted:
			accepted = append(accepted, tc)
		case <-m.wake:
		default:
			break drain
		}
	}

	for i, c := range m.conns {
		p := m.poll[i]
		if c.readReady {
			p.revents |= pollIn
		}
		if p.events&pollOut != 0 && c.writable() {
			p.revents |= pollOut
		}
		if c.err != nil {
			p.revents |= pollErr
		}
	}

	for _, tc := range accepted {
		m.register(tc)
	}

	for i, c := range m.conns {
		if m.poll[i].revents&pollOut != 0 {
			m.guard(c, c.Send)
		}
	}

	for i, c := range m.conns {
		if m.poll[i].revents&pollIn != 0 && !c.Closing() {
			m.guard(c, c.Receive)
		}
	}

	m.removeClosed()
	return nil
}

func (m *Manager) apply(ev event) {
	if ev.conn.closed {
		return
	}
	ev.conn.apply(ev)
}

func (m *Manager) register(tc *tls.Conn) {
	select {
	case <-m.done:
		_ = tc.Close()
		return
	default:
	}

	c := newConnection(m, tc)
	c.session = m.Backend.NewSession(c)

	m.conns = append(m.conns, c)
	m.poll = append(m.poll, &pollEntry{events: pollIn})
	m.connCount.Store(int64(len(m.conns)))
	m.Metrics.ActiveConnections.Set(float64(len(m.conns)))
	m.Metrics.TotalConnections.WithLabelValues("accepted").Inc()

	m.Logger.WithField("connection", c.ID()).Infof("accepted connection from %s", c.RemoteAddr())
	c.start()
}

// guard is the failsafe that catches any panic raised while servicing c and
// marks only that connection for removal.
func (m *Manager) guard(c *Connection, f func()) {
	defer func() {
		if err := recover(); err != nil {
			m.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
				c.RemoteAddr(), err, debug.Stack())
			c.fail(fmt.Errorf("panic: %v", err))
		}
	}()
	f()
}

// removeClosed drops every closing connection from both the connection list
// and the readiness set, preserving their lockstep order.
func (m *Manager) removeClosed() {
	kept := 0
	for i, c := range m.conns {
		if !c.closeRequested && c.err == nil {
			m.conns[kept] = c
			m.poll[kept] = m.poll[i]
			kept++
			continue
		}
		m.closeConnection(c)
	}
	for i := kept; i < len(m.conns); i++ {
		m.conns[i] = nil
		m.poll[i] = nil
	}
	m.conns = m.conns[:kept]
	m.poll = m.poll[:kept]
	m.connCount.Store(int64(kept))
	m.Metrics.ActiveConnections.Set(float64(kept))
}

func (m *Manager) closeConnection(c *Connection) {
	entry := m.Logger.WithField("connection", c.ID())
	if c.err != nil {
		entry.Infof("disconnecting %s: %s", c.RemoteAddr(), c.err)
	} else {
		entry.Infof("disconnected client %s", c.RemoteAddr())
	}

	if err := c.Close(); err != nil {
		entry.Debugf("failed to close client connection: %s", err)
	}
	m.Metrics.ConnectionDuration.Observe(time.Since(c.createdAt).Seconds())

	func() {
		defer func() {
			if err := recover(); err != nil {
				entry.Errorf("error while closing session: %s, trace: %s", err, debug.Stack())
			}
		}()
		c.session.OnClose()
	}()
}

// Close stops accepting connections and closes every registered connection.
// It must be called from the polling goroutine (or after it stopped).
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.cancelHandshake()
		if m.listener != nil {
			err = m.listener.Close()
		}
		m.acceptWg.Wait()

		for _, c := range m.conns {
			c.closeRequested = true
		}
		m.removeClosed()

		// Connections that finished their handshake but were never registered.
		for len(m.accepted) > 0 {
			tc := <-m.accepted
			_ = tc.Close()
		}
	})
	return err
}
