package proactor

import (
	"golang.org/x/sys/unix"
)

// ConnectOperation connects a socket to an IPv4 address. It always completes through
// the proactor, even when the kernel connects synchronously.
type ConnectOperation struct {
	asyncOperation
	address string
	port    int
}

func NewConnectOperation(handler CompletionHandler, socket *Socket, address string, port int) *ConnectOperation {
	return &ConnectOperation{
		asyncOperation: newAsyncOperation(handler, OperationConnect, socket.Fd()),
		address:        address,
		port:           port,
	}
}

// Initiate returns an error for caller mistakes (bad socket, bad address); a refused or
// failed connection is reported to the handler with result -1.
func (o *ConnectOperation) Initiate(p *Proactor) error {
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] initiating connect operation to %s:%d", o.fd, o.address, o.port)
	}
	if o.fd < 0 {
		return ErrInvalidSocket
	}
	if err := unix.SetNonblock(o.fd, true); err != nil {
		return errorFromErrno("set non-blocking", err)
	}
	sockType, err := unix.GetsockoptInt(o.fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return errorFromErrno("getsockopt SO_TYPE", err)
	}
	if sockType != unix.SOCK_STREAM {
		return invalidArgument("[%d] not a TCP socket", o.fd)
	}
	sa, err := resolveIPv4(o.address, o.port)
	if err != nil {
		return err
	}

	switch err := unix.Connect(o.fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EINTR:
	default:
		p.logger.Error().Msgf("[%d] failed to connect: %v", o.fd, errorFromErrno("connect", err))
		p.finish(o, -1, nil)
		return nil
	}
	if _, err := unix.Getpeername(o.fd); err == nil && p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] connection completed immediately", o.fd)
	}
	return p.RegisterOperation(o.fd, o)
}
