package proactor

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defaultBacklog = 128

// Socket owns a native socket descriptor. It has exactly one owner: hand it over with
// Release and NewSocket. A socket that is garbage collected while still valid is closed.
type Socket struct {
	fd int
}

// CreateTCP opens an IPv4 stream socket.
func CreateTCP() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketCreation, errorFromErrno("socket", err))
	}
	return NewSocket(fd), nil
}

// NewSocket takes ownership of fd.
func NewSocket(fd int) *Socket {
	s := &Socket{fd: fd}
	if fd >= 0 {
		runtime.SetFinalizer(s, (*Socket).finalize)
	}
	return s
}

func invalidSocket() *Socket {
	return &Socket{fd: -1}
}

func (s *Socket) finalize() {
	if s.fd >= 0 {
		log.Warn().Msgf("[%d] socket leaked, closing descriptor", s.fd)
		_ = s.Close()
	}
}

func (s *Socket) IsValid() bool {
	return s != nil && s.fd >= 0
}

func (s *Socket) Fd() int {
	if s == nil {
		return -1
	}
	return s.fd
}

// Release gives up ownership of the descriptor and returns it. The socket becomes invalid.
func (s *Socket) Release() int {
	fd := s.fd
	s.fd = -1
	runtime.SetFinalizer(s, nil)
	return fd
}

func (s *Socket) SetNonBlocking() error {
	return errorFromErrno("set non-blocking", unix.SetNonblock(s.fd, true))
}

func (s *Socket) SetReuseAddress() error {
	return errorFromErrno("set SO_REUSEADDR", unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

func (s *Socket) SetSendBufferSize(size int) error {
	return errorFromErrno("set SO_SNDBUF", unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size))
}

func (s *Socket) SetReceiveBufferSize(size int) error {
	return errorFromErrno("set SO_RCVBUF", unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size))
}

func (s *Socket) Bind(address string, port int) error {
	sa, err := resolveIPv4(address, port)
	if err != nil {
		return err
	}
	return errorFromErrno("bind", unix.Bind(s.fd, sa))
}

// Listen marks the socket passive. A backlog <= 0 selects the default of 128.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return errorFromErrno("listen", unix.Listen(s.fd, backlog))
}

// Accept takes a pending connection. With nothing pending on a non-blocking socket it
// returns an invalid socket and a nil error: the caller should try again later.
// Accepted sockets are non-blocking.
func (s *Socket) Accept() (*Socket, error) {
	fd, err := acceptFd(s.fd)
	if err != nil {
		return invalidSocket(), err
	}
	if fd < 0 {
		return invalidSocket(), nil
	}
	return NewSocket(fd), nil
}

// Connect starts connecting to address:port. A connect still in progress on a
// non-blocking socket is reported as success; check PendingError once writable.
func (s *Socket) Connect(address string, port int) error {
	sa, err := resolveIPv4(address, port)
	if err != nil {
		return err
	}
	err = unix.Connect(s.fd, sa)
	if err == unix.EINPROGRESS {
		return nil
	}
	return errorFromErrno("connect", err)
}

// Read returns (0, nil) when the read would block.
func (s *Socket) Read(p []byte) (int, error) {
	n, err := readFd(s.fd, p)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, errorFromErrno("read", err)
}

// Write returns (0, nil) when the write would block.
func (s *Socket) Write(p []byte) (int, error) {
	n, err := writeFd(s.fd, p)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, errorFromErrno("write", err)
}

func (s *Socket) LocalPort() (int, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, errorFromErrno("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port, nil
	}
	return 0, invalidArgument("not an IPv4 socket")
}

// PendingError reads and clears SO_ERROR.
func (s *Socket) PendingError() error {
	return pendingError(s.fd)
}

// Close is idempotent.
func (s *Socket) Close() error {
	if s == nil || s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	runtime.SetFinalizer(s, nil)
	return errorFromErrno("close", unix.Close(fd))
}

// acceptFd returns fd -1 and a nil error when nothing is pending.
func acceptFd(fd int) (int, error) {
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return nfd, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, nil
		default:
			return -1, errorFromErrno("accept", err)
		}
	}
}

// readFd and writeFd pass EAGAIN through untouched so callers can tell a
// would-block apart from EOF or a short write.
func readFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func pendingError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errorFromErrno("getsockopt SO_ERROR", err)
	}
	return errorFromErrno("connect", unix.Errno(code))
}
