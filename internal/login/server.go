// Package login implements the auth server protocol: the per-connection login
// state machine, its packet handlers and their database callbacks.
package login

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/warden/internal/core"
	"github.com/dcrodman/warden/internal/core/crypto"
	"github.com/dcrodman/warden/internal/core/metrics"
	"github.com/dcrodman/warden/internal/database"
	"github.com/dcrodman/warden/internal/packets"
	"github.com/dcrodman/warden/internal/server"
)

// Queue is the asynchronous side of the database, served by a database.Worker.
type Queue interface {
	Prepare(id database.StatementID, args ...interface{}) database.Statement
	Enqueue(req *database.Request) error
	DrainResponses() []*database.Request
}

// handler is one entry of the command table.
type handler struct {
	// state the session must be in for the command to be accepted.
	state State
	// headerSize bytes must be buffered before the frame size can be read.
	headerSize int
	// maxSize bounds the declared frame length.
	maxSize int
	fn      func(s *Session, frame []byte) bool
}

// Server is the auth server implementation. Clients connect to it to prove
// who they are and leave with a session key and a greetcode for the world server.
type Server struct {
	Name    string
	Config  *core.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	queue    Queue
	directDB database.Database
	crypto   crypto.Provider
	wakeUp   func()

	handlers      map[uint8]handler
	registry      *registry
	lockouts      *lockoutCache
	clientVersion packets.Version
	queryTimeout  time.Duration
}

// NewServer wires the protocol to its collaborators. queue runs the
// asynchronous statements and directDB the synchronous ones; the two must not
// share a database session.
func NewServer(
	cfg *core.Config,
	logger *logrus.Logger,
	m *metrics.Metrics,
	queue Queue,
	directDB database.Database,
	provider crypto.Provider,
) *Server {
	if m == nil {
		m = metrics.New()
	}
	queryTimeout := cfg.Database.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	s := &Server{
		Name:     "AUTH",
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		queue:    queue,
		directDB: directDB,
		crypto:   provider,
		wakeUp:   func() {},
		registry: newRegistry(),
		lockouts: newLockoutCache(cfg.AuthServer.LockoutThreshold, cfg.AuthServer.LockoutWindow),
		clientVersion: packets.Version{
			Major:    cfg.AuthServer.ClientVersion.Major,
			Minor:    cfg.AuthServer.ClientVersion.Minor,
			Revision: cfg.AuthServer.ClientVersion.Revision,
		},
		queryTimeout: queryTimeout,
	}
	s.handlers = map[uint8]handler{
		packets.GatherInfoType: {
			state:      StateGatherInfo,
			headerSize: packets.HeaderSize,
			maxSize:    packets.MaxGatherInfoSize,
			fn:         s.handleGatherInfo,
		},
		packets.LoginProofType: {
			state:      StateLoginAttempt,
			headerSize: packets.HeaderSize,
			maxSize:    packets.MaxLoginProofSize,
			fn:         s.handleLoginProof,
		},
	}
	return s
}

// SetWakeUp registers the function used to interrupt the poller once a
// database response is ready.
func (s *Server) SetWakeUp(f func()) {
	s.wakeUp = f
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) NewSession(c *server.Connection) server.Session {
	return s.newSession(c)
}

// ProcessResponses delivers every finished database request to its session.
func (s *Server) ProcessResponses() {
	for _, req := range s.queue.DrainResponses() {
		req.Complete()
	}
}

// enqueue hands req to the database worker, filling in the wake up notice
// for requests that expect a response.
func (s *Server) enqueue(req *database.Request) error {
	if !req.FireAndForget {
		req.Notice = s.wakeUp
	}
	if err := s.queue.Enqueue(req); err != nil {
		return fmt.Errorf("enqueueing %s: %w", req.Statement.ID, err)
	}
	return nil
}

func (s *Server) recoverCallback(sess *Session) {
	if err := recover(); err != nil {
		sess.logger.Errorf("error in database callback: error=%s, trace: %s", err, debug.Stack())
		sess.close()
	}
}
