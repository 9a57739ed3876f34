package proactor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// EchoServer accepts connections through the proactor and writes back whatever each
// client sends. Every connection alternates one read and one write operation.
type EchoServer struct {
	proactor *Proactor
	config   ServerConfig
	logger   zerolog.Logger
	listener *Socket
	port     int

	lock     sync.RWMutex
	sessions map[int]*echoSession
	closed   *atomic.Bool
	accepted *atomic.Int64
}

type echoSession struct {
	server   *EchoServer
	socket   *Socket
	fd       int
	received *atomic.Int64
	sent     *atomic.Int64
	closed   *atomic.Bool
}

// NewEchoServer binds and listens. Port 0 picks an ephemeral port, see Port.
func NewEchoServer(p *Proactor, config ServerConfig) (*EchoServer, error) {
	listener, err := CreateTCP()
	if err != nil {
		return nil, err
	}
	opts := config.Socket
	opts.ReuseAddress = true
	if err := applySocketOptions(listener, opts); err != nil {
		_ = listener.Close()
		return nil, err
	}
	if err := listener.Bind(config.Address, config.Port); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("can't bind %s:%d: %w", config.Address, config.Port, err)
	}
	if err := listener.Listen(config.Backlog); err != nil {
		_ = listener.Close()
		return nil, err
	}
	port, err := listener.LocalPort()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return &EchoServer{
		proactor: p,
		config:   config,
		logger:   p.logger.With().Str("server", fmt.Sprintf("%s:%d", config.Address, port)).Logger(),
		listener: listener,
		port:     port,
		sessions: make(map[int]*echoSession),
		closed:   atomic.NewBool(false),
		accepted: atomic.NewInt64(0),
	}, nil
}

func (s *EchoServer) Port() int {
	return s.port
}

// Start begins accepting. The proactor should already be running.
func (s *EchoServer) Start() error {
	s.logger.Info().Msg("echo server started")
	return s.accept()
}

// Sessions returns the number of open client connections.
func (s *EchoServer) Sessions() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}

// Accepted returns the number of connections accepted so far.
func (s *EchoServer) Accepted() int64 {
	return s.accepted.Load()
}

// Close stops accepting and closes every session. Stop the proactor first when shutting
// down for good so no handler races with the descriptors being closed.
func (s *EchoServer) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	s.proactor.CancelOperation(s.listener.Fd())
	err := s.listener.Close()

	s.lock.Lock()
	sessions := make([]*echoSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.lock.Unlock()
	for _, session := range sessions {
		session.close()
	}
	s.logger.Info().Msgf("echo server closed, %d sessions dropped", len(sessions))
	return err
}

func (s *EchoServer) accept() error {
	op := NewAcceptOperation(CompletionHandlerFunc(s.onAccept), s.listener)
	return op.Initiate(s.proactor)
}

func (s *EchoServer) onAccept(result int, buffer *Buffer) {
	if s.closed.Load() {
		if fd, ok := buffer.Descriptor(); ok {
			_ = NewSocket(fd).Close()
		}
		return
	}
	if result < 0 {
		s.logger.Error().Msg("accept failed")
	} else if fd, ok := buffer.Descriptor(); ok {
		s.startSession(NewSocket(fd))
	}
	if err := s.accept(); err != nil {
		s.logger.Error().Msgf("can't re-arm accept: %+v", err)
	}
}

func (s *EchoServer) startSession(socket *Socket) {
	if err := applySocketOptions(socket, s.config.Socket); err != nil {
		s.logger.Error().Msgf("[%d] can't prepare accepted socket: %+v", socket.Fd(), err)
		_ = socket.Close()
		return
	}
	session := &echoSession{
		server:   s,
		socket:   socket,
		fd:       socket.Fd(),
		received: atomic.NewInt64(0),
		sent:     atomic.NewInt64(0),
		closed:   atomic.NewBool(false),
	}
	s.lock.Lock()
	s.sessions[session.fd] = session
	s.lock.Unlock()
	s.accepted.Inc()
	if s.logger.Debug().Enabled() {
		s.logger.Debug().Msgf("[%d] session opened", session.fd)
	}
	session.read()
}

func (s *echoSession) read() {
	op := NewReadOperation(CompletionHandlerFunc(s.onRead), s.socket)
	if err := op.Initiate(s.server.proactor); err != nil {
		s.server.logger.Error().Msgf("[%d] can't start read: %+v", s.fd, err)
		s.close()
	}
}

func (s *echoSession) onRead(result int, buffer *Buffer) {
	if result <= 0 {
		s.close()
		return
	}
	s.received.Add(int64(result))
	op := NewWriteOperation(CompletionHandlerFunc(s.onWritten), s.socket, buffer)
	if err := op.Initiate(s.server.proactor); err != nil {
		s.server.logger.Error().Msgf("[%d] can't start write: %+v", s.fd, err)
		s.close()
	}
}

func (s *echoSession) onWritten(result int, _ *Buffer) {
	if result < 0 {
		s.close()
		return
	}
	s.sent.Add(int64(result))
	s.read()
}

func (s *echoSession) close() {
	if !s.closed.CAS(false, true) {
		return
	}
	s.server.proactor.CancelOperation(s.fd)
	s.server.lock.Lock()
	delete(s.server.sessions, s.fd)
	s.server.lock.Unlock()
	if err := s.socket.Close(); err != nil {
		s.server.logger.Error().Msgf("[%d] got error while closing session: %+v", s.fd, err)
	}
	if s.server.logger.Debug().Enabled() {
		s.server.logger.Debug().Msgf("[%d] session closed, received: %d sent: %d", s.fd, s.received.Load(), s.sent.Load())
	}
}
