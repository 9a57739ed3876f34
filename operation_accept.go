package proactor

import (
	"golang.org/x/sys/unix"
)

// AcceptOperation accepts one connection on a listening socket. The completion buffer
// carries the accepted descriptor (see Buffer.Descriptor); the handler owns it.
type AcceptOperation struct {
	asyncOperation
}

func NewAcceptOperation(handler CompletionHandler, listener *Socket) *AcceptOperation {
	return &AcceptOperation{asyncOperation: newAsyncOperation(handler, OperationAccept, listener.Fd())}
}

// Initiate tries to accept right away and waits for read readiness when nothing is
// pending. It returns an error only when the handler will never be invoked.
func (o *AcceptOperation) Initiate(p *Proactor) error {
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] initiating accept operation", o.fd)
	}
	if o.fd < 0 {
		return ErrInvalidSocket
	}
	if err := unix.SetNonblock(o.fd, true); err != nil {
		return errorFromErrno("set non-blocking", err)
	}
	clientFd, err := acceptFd(o.fd)
	if err != nil {
		p.logger.Error().Msgf("[%d] accept failed: %v", o.fd, err)
		p.finish(o, -1, nil)
		return nil
	}
	if clientFd >= 0 {
		p.deliverAccepted(o, clientFd)
		return nil
	}
	return p.RegisterOperation(o.fd, o)
}
