package proactor

import (
	"context"

	"go.uber.org/atomic"
)

type OperationType int

const (
	OperationAccept OperationType = iota
	OperationConnect
	OperationRead
	OperationWrite
)

func (t OperationType) String() string {
	switch t {
	case OperationAccept:
		return "ACCEPT"
	case OperationConnect:
		return "CONNECT"
	case OperationRead:
		return "READ"
	case OperationWrite:
		return "WRITE"
	}
	return "UNKNOWN"
}

// direction is the readiness an operation of this type waits for.
func (t OperationType) direction() Direction {
	if t == OperationConnect || t == OperationWrite {
		return DirectionWrite
	}
	return DirectionRead
}

// CompletionHandler receives the outcome of an operation, exactly once. A negative
// result is a failure, otherwise it is the byte count (0 on EOF for reads, 0 with a
// descriptor buffer for accepts). Handlers run on the proactor loop goroutine unless
// the operation completed synchronously inside Initiate.
type CompletionHandler interface {
	HandleCompletion(result int, buffer *Buffer)
}

type CompletionHandlerFunc func(result int, buffer *Buffer)

func (f CompletionHandlerFunc) HandleCompletion(result int, buffer *Buffer) {
	f(result, buffer)
}

// Completion is what Wait returns.
type Completion struct {
	Result int
	Buffer *Buffer
}

// Operation is one of AcceptOperation, ConnectOperation, ReadOperation, WriteOperation.
type Operation interface {
	Type() OperationType
	Fd() int
	Cancel()
	Cancelled() bool
	// Done is closed once the completion has been delivered.
	Done() <-chan struct{}
	// Wait blocks until completion, cancellation or ctx expiry.
	Wait(ctx context.Context) (Completion, error)

	complete(result int, buffer *Buffer) bool
}

type asyncOperation struct {
	handler   CompletionHandler
	opType    OperationType
	fd        int
	cancelled *atomic.Bool
	completed *atomic.Bool
	done      chan struct{}
	cancelCh  chan struct{}
	result    Completion
}

func newAsyncOperation(handler CompletionHandler, opType OperationType, fd int) asyncOperation {
	return asyncOperation{
		handler:   handler,
		opType:    opType,
		fd:        fd,
		cancelled: atomic.NewBool(false),
		completed: atomic.NewBool(false),
		done:      make(chan struct{}),
		cancelCh:  make(chan struct{}),
	}
}

func (o *asyncOperation) Type() OperationType {
	return o.opType
}

func (o *asyncOperation) Fd() int {
	return o.fd
}

// Cancel only flags the operation; use Proactor.CancelOperation to also drop it from
// the proactor.
func (o *asyncOperation) Cancel() {
	if o.cancelled.CAS(false, true) {
		close(o.cancelCh)
	}
}

func (o *asyncOperation) Cancelled() bool {
	return o.cancelled.Load()
}

func (o *asyncOperation) Done() <-chan struct{} {
	return o.done
}

func (o *asyncOperation) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-o.done:
		return o.result, nil
	default:
	}
	select {
	case <-o.done:
		return o.result, nil
	case <-o.cancelCh:
		return Completion{}, ErrOperationCancelled
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// complete delivers the outcome to the handler. It does nothing for a cancelled or
// already completed operation and reports whether the outcome was delivered.
func (o *asyncOperation) complete(result int, buffer *Buffer) bool {
	if o.cancelled.Load() {
		return false
	}
	if !o.completed.CAS(false, true) {
		return false
	}
	if buffer == nil {
		buffer = emptyBuffer()
	}
	o.result = Completion{Result: result, Buffer: buffer}
	defer close(o.done)
	if o.handler != nil {
		o.handler.HandleCompletion(result, buffer)
	}
	return true
}
