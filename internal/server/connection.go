package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/dcrodman/warden/internal/core/debug"
	"github.com/dcrodman/warden/internal/core/message"
)

const readChunkSize = 4096

// Session is the protocol state attached to a connection.
type Session interface {
	// ReadCallback is called after new bytes were appended to the
	// connection's input buffer.
	ReadCallback()

	// OnClose is called once the connection has been removed from the manager.
	OnClose()
}

type eventKind uint8

const (
	eventReadable eventKind = iota
	eventWritable
)

// event reports the outcome of one read or write done by a pump goroutine.
type event struct {
	conn *Connection
	kind eventKind
	n    int
	err  error
}

// Connection is one established TLS connection. Apart from the pump
// goroutines started by the Manager, a Connection is only ever touched by the
// goroutine running Manager.Poll.
type Connection struct {
	id         string
	conn       net.Conn
	remoteAddr string
	remoteIP   string
	createdAt  time.Time

	manager *Manager
	session Session

	inBuffer *message.Buffer
	outQueue []*message.Buffer

	// Read side: the reader pump fills scratch once per token on readArm.
	readArm   chan struct{}
	scratch   []byte
	readReady bool
	readN     int
	readErr   error

	// Write side: the writer pump writes one slice per writeReq.
	writeReq      chan []byte
	writing       bool
	writeComplete bool
	written       int
	writeErr      error

	closeAfterFlush bool
	closeRequested  bool
	closed          bool
	err             error
}

func newConnection(m *Manager, conn net.Conn) *Connection {
	c := &Connection{
		id:         uuid.NewString(),
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		createdAt:  time.Now(),
		manager:    m,
		inBuffer:   message.New(),
		readArm:    make(chan struct{}, 1),
		scratch:    make([]byte, readChunkSize),
		writeReq:   make(chan []byte, 1),
	}
	if host, _, err := net.SplitHostPort(c.remoteAddr); err == nil {
		c.remoteIP = host
	} else {
		c.remoteIP = c.remoteAddr
	}
	return c
}

// ID uniquely identifies the connection in logs.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer's ip:port.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// RemoteIP returns the peer's IP without the port.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// InBuffer holds the bytes received and not yet consumed by the session.
func (c *Connection) InBuffer() *message.Buffer { return c.inBuffer }

// QueuePacket appends a framed message to the outbound queue.
func (c *Connection) QueuePacket(data []byte) {
	if c.closed {
		return
	}
	c.manager.packetLogger.Log(c.id, debug.ServerToClient, data)
	c.outQueue = append(c.outQueue, message.FromBytes(data))
}

// RequestClose asks the manager to remove the connection at the end of the
// current tick, or once every queued message has been written when flush is set.
func (c *Connection) RequestClose(flush bool) {
	if flush && len(c.outQueue) > 0 {
		c.closeAfterFlush = true
		return
	}
	c.closeRequested = true
}

// Closing reports whether the connection is about to be removed.
func (c *Connection) Closing() bool {
	return c.closed || c.closeRequested || c.closeAfterFlush || c.err != nil
}

// wantsWrite is the write-interest bit.
func (c *Connection) wantsWrite() bool {
	return len(c.outQueue) > 0
}

// writable reports whether Send would make progress right now.
func (c *Connection) writable() bool {
	return c.wantsWrite() && (!c.writing || c.writeComplete)
}

func (c *Connection) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// start launches the pump goroutines and arms the first read.
func (c *Connection) start() {
	go c.readPump()
	go c.writePump()
	c.readArm <- struct{}{}
}

func (c *Connection) readPump() {
	for range c.readArm {
		n, err := c.conn.Read(c.scratch)
		if !c.manager.post(event{conn: c, kind: eventReadable, n: n, err: err}) || err != nil {
			return
		}
	}
}

func (c *Connection) writePump() {
	for data := range c.writeReq {
		n, err := c.conn.Write(data)
		if !c.manager.post(event{conn: c, kind: eventWritable, n: n, err: err}) || err != nil {
			return
		}
	}
}

// apply records the outcome of a pump operation.
func (c *Connection) apply(ev event) {
	switch ev.kind {
	case eventReadable:
		c.readReady = true
		c.readN, c.readErr = ev.n, ev.err
	case eventWritable:
		c.writeComplete = true
		c.written, c.writeErr = ev.n, ev.err
	}
}

// Send accounts for the previous write, dequeuing the head message once it
// has been written in full, and hands the next pending bytes to the writer pump.
func (c *Connection) Send() {
	if c.writeComplete {
		c.writeComplete = false
		c.writing = false

		head := c.outQueue[0]
		head.ReadCompleted(c.written)
		if head.ActiveSize() == 0 {
			c.outQueue[0] = nil
			c.outQueue = c.outQueue[1:]
		}
		if c.writeErr != nil {
			c.fail(c.writeErr)
			return
		}
	}

	if len(c.outQueue) == 0 {
		if c.closeAfterFlush {
			c.closeRequested = true
		}
		return
	}
	if c.writing || c.closed {
		return
	}

	c.writing = true
	c.writeReq <- c.outQueue[0].ReadPointer()
}

// Receive appends the bytes of the last completed read to the input buffer,
// lets the session consume them and then arms the next read.
func (c *Connection) Receive() {
	if !c.readReady {
		return
	}
	c.readReady = false

	if c.readN > 0 {
		data := c.scratch[:c.readN]
		c.manager.packetLogger.Log(c.id, debug.ClientToServer, data)
		c.inBuffer.Write(data)
		c.session.ReadCallback()
	}

	if c.readErr != nil {
		if errors.Is(c.readErr, io.EOF) {
			// The peer only stopped sending; replies already queued still go out.
			c.RequestClose(true)
		} else {
			c.fail(c.readErr)
		}
		return
	}
	if !c.Closing() {
		c.readArm <- struct{}{}
	}
}

// Close shuts the transport down and stops the pumps. It is safe to call
// more than once.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.readArm)
	close(c.writeReq)
	return c.conn.Close()
}
