package proactor

import (
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// WriteOperation writes a whole buffer, continuing after partial writes. The handler
// gets the total number of bytes written.
type WriteOperation struct {
	asyncOperation
	buffer        *Buffer
	bytesWritten  int
	attempts      *atomic.Int64
	registrations *atomic.Int64
}

func NewWriteOperation(handler CompletionHandler, socket *Socket, buffer *Buffer) *WriteOperation {
	if buffer == nil {
		buffer = emptyBuffer()
	}
	return &WriteOperation{
		asyncOperation: newAsyncOperation(handler, OperationWrite, socket.Fd()),
		buffer:         buffer,
		attempts:       atomic.NewInt64(0),
		registrations:  atomic.NewInt64(0),
	}
}

// Attempts is the number of write calls made so far.
func (o *WriteOperation) Attempts() int64 {
	return o.attempts.Load()
}

// Registrations is the number of times the operation waited for write readiness.
func (o *WriteOperation) Registrations() int64 {
	return o.registrations.Load()
}

// Initiate writes synchronously and only involves the proactor if the socket could not
// take everything.
func (o *WriteOperation) Initiate(p *Proactor) error {
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] initiating write operation (%d bytes)", o.fd, o.buffer.Size())
	}
	if o.fd < 0 {
		return ErrInvalidSocket
	}
	if o.buffer.Size() == 0 {
		p.finish(o, 0, nil)
		return nil
	}
	return o.writeSome(p)
}

func (o *WriteOperation) handleWriteEvent(p *Proactor) {
	if err := o.writeSome(p); err != nil {
		p.logger.Error().Msgf("[%d] can't re-register write operation: %v", o.fd, err)
		p.finish(o, -1, nil)
	}
}

func (o *WriteOperation) writeSome(p *Proactor) error {
	written, err := writeFd(o.fd, o.buffer.Bytes()[o.bytesWritten:])
	o.attempts.Inc()
	if err != nil && err != unix.EAGAIN {
		p.logger.Error().Msgf("[%d] write error: %v", o.fd, errorFromErrno("write", err))
		p.finish(o, -1, nil)
		return nil
	}
	o.bytesWritten += written
	if o.bytesWritten >= o.buffer.Size() {
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] all data written (%d bytes)", o.fd, o.bytesWritten)
		}
		p.finish(o, o.bytesWritten, nil)
		return nil
	}
	if o.Cancelled() {
		return nil
	}
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] %d bytes remaining, registering for write events", o.fd, o.buffer.Size()-o.bytesWritten)
	}
	o.registrations.Inc()
	return p.RegisterOperation(o.fd, o)
}
