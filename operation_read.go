package proactor

import (
	"golang.org/x/sys/unix"
)

// ReadOperation reads whatever is available once the socket becomes readable.
type ReadOperation struct {
	asyncOperation
}

func NewReadOperation(handler CompletionHandler, socket *Socket) *ReadOperation {
	return &ReadOperation{asyncOperation: newAsyncOperation(handler, OperationRead, socket.Fd())}
}

// Initiate probes the socket and waits for read readiness; the read itself happens on
// the proactor loop.
func (o *ReadOperation) Initiate(p *Proactor) error {
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] initiating read operation", o.fd)
	}
	if o.fd < 0 {
		return ErrInvalidSocket
	}
	code, err := unix.GetsockoptInt(o.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errorFromErrno("getsockopt SO_ERROR", err)
	}
	if code != 0 {
		p.logger.Error().Msgf("[%d] socket has error state: %v", o.fd, unix.Errno(code))
		p.finish(o, -1, nil)
		return nil
	}
	var probe [1]byte
	_, _, err = unix.Recvfrom(o.fd, probe[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		p.logger.Error().Msgf("[%d] socket read test failed: %v", o.fd, errorFromErrno("recv", err))
		p.finish(o, -1, nil)
		return nil
	}
	return p.RegisterOperation(o.fd, o)
}
