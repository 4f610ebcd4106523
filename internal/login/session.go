package login

import (
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/warden/internal/core/crypto"
	"github.com/dcrodman/warden/internal/core/message"
	"github.com/dcrodman/warden/internal/database"
	"github.com/dcrodman/warden/internal/packets"
)

// State of a session in the login sequence. States only move forward.
type State uint8

const (
	StateGatherInfo State = iota
	StateLoginAttempt
	StateAuthed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGatherInfo:
		return "gather_info"
	case StateLoginAttempt:
		return "login_attempt"
	case StateAuthed:
		return "authed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the transport a Session runs over.
type Conn interface {
	ID() string
	RemoteAddr() string
	RemoteIP() string
	InBuffer() *message.Buffer
	QueuePacket(data []byte)
	RequestClose(flush bool)
	Closing() bool
}

// AccountData is what a session learns about its client.
type AccountData struct {
	Username   string
	AccountID  uint64
	SessionKey crypto.Key
	IV         crypto.IV
	Version    packets.Version
}

// Session is the login state of one connection.
type Session struct {
	server *Server
	conn   Conn
	logger *logrus.Entry

	state   State
	account AccountData

	proofAttempts int
	// awaiting is set while a database request of this session is in flight.
	// Buffered frames are only parsed once its callback ran.
	awaiting bool
}

func (s *Server) newSession(c Conn) *Session {
	return &Session{
		server: s,
		conn:   c,
		logger: s.Logger.WithField("connection", c.ID()),
		state:  StateGatherInfo,
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) Account() AccountData { return s.account }

// ReadCallback consumes every complete frame in the input buffer.
func (s *Session) ReadCallback() {
	buf := s.conn.InBuffer()

	for buf.ActiveSize() > 0 && !s.awaiting && s.state != StateClosed && !s.conn.Closing() {
		data := buf.ReadPointer()
		cmd := data[0]

		h, ok := s.server.handlers[cmd]
		if !ok {
			// Discard everything, nothing we should handle.
			s.logger.Infof("received unknown command %#x from %s", cmd, s.conn.RemoteAddr())
			s.server.Metrics.ProtocolViolations.WithLabelValues("unknown_command").Inc()
			buf.Clear()
			return
		}

		if s.state != h.state {
			s.logger.Warnf("state mismatch for user %q: state is %s but %#x requires %s, closing the connection",
				s.account.Username, s.state, cmd, h.state)
			s.server.Metrics.ProtocolViolations.WithLabelValues("wrong_state").Inc()
			s.close()
			return
		}

		if len(data) < h.headerSize {
			return
		}
		size := packets.PeekHeader(data).FrameLength()
		if size > h.maxSize {
			s.logger.Warnf("%s declared a %d byte frame for command %#x, closing the connection",
				s.conn.RemoteAddr(), size, cmd)
			s.server.Metrics.ProtocolViolations.WithLabelValues("oversized_frame").Inc()
			s.close()
			return
		}
		if len(data) < size {
			// Probably a short receive.
			return
		}

		if !h.fn(s, data[:size]) {
			s.close()
			return
		}
		buf.ReadCompleted(size)
	}

	// While a lookup is in flight the client may have pipelined at most one proof.
	if s.awaiting && buf.ActiveSize() > packets.MaxLoginProofSize && !s.conn.Closing() {
		s.logger.Warnf("%s sent %d bytes while a lookup was pending, closing the connection",
			s.conn.RemoteAddr(), buf.ActiveSize())
		s.server.Metrics.ProtocolViolations.WithLabelValues("input_overflow").Inc()
		s.close()
	}
}

// OnClose releases everything the session holds once its transport is gone.
func (s *Session) OnClose() {
	s.state = StateClosed
	if s.account.AccountID != 0 {
		s.server.registry.unregister(s.account.AccountID, s)
	}
}

func (s *Session) close() {
	s.conn.RequestClose(false)
}

// callback wraps fn so that it only runs for open sessions, closes the
// session when fn fails and resumes parsing of buffered frames afterwards.
func (s *Session) callback(fn func(*database.Result, error) bool) func(*database.Result, error) bool {
	return func(res *database.Result, err error) bool {
		defer s.server.recoverCallback(s)

		s.awaiting = false
		if s.state == StateClosed || s.conn.Closing() {
			return true
		}
		if !fn(res, err) {
			s.close()
			return false
		}
		s.ReadCallback()
		return true
	}
}
