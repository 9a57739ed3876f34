package proactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const defReadBufferSize = 4096

type ProactorConfig struct {
	Name            string `yaml:"name" toml:"name"`
	LockOsThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	ReadBufferSize  int    `yaml:"read_buffer_size" toml:"read_buffer_size"`
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger `yaml:"-" toml:"-"`
	// Queue replaces the default epoll queue.
	Queue EventQueue `yaml:"-" toml:"-"`
}

// Handle identifies an operation slot. It is what the kernel hands back with a
// readiness event, so a late event for a freed slot can be recognised.
type Handle uint32

const (
	handleIndexBits = 24
	handleIndexMask = 1<<handleIndexBits - 1
	maxSlots        = handleIndexMask + 1
)

func makeHandle(index uint32, generation uint8) Handle {
	return Handle(uint32(generation)<<handleIndexBits | index&handleIndexMask)
}

func (h Handle) index() uint32 {
	return uint32(h) & handleIndexMask
}

type slot struct {
	op         Operation
	fd         int
	generation uint8
	used       bool
}

// Proactor performs socket I/O once the event queue reports readiness and completes the
// waiting operation. At most one operation may be pending per descriptor.
type Proactor struct {
	Name           string
	logger         zerolog.Logger
	queue          EventQueue
	readBufferSize int

	lock       sync.Mutex
	operations map[int]Handle
	slots      []slot
	free       []uint32

	started   *atomic.Bool
	isRunning *atomic.Bool
	stopped   *atomic.Bool
	stats     *Stats
}

func NewProactor(config ProactorConfig) (*Proactor, error) {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if logger.Debug().Enabled() {
		logger.Debug().Msgf("init proactor:%+v", config)
	} else {
		logger.Info().Msgf("init proactor:%s", config.Name)
	}
	queue := config.Queue
	if queue == nil {
		var err error
		queue, err = NewEventQueue(EventQueueConfig{
			Name:            config.Name,
			LockOsThread:    config.LockOsThread,
			EventBufferSize: config.EventBufferSize,
			Logger:          &logger,
		})
		if err != nil {
			logger.Error().Msgf("can't open event queue: %+v", err)
			return nil, err
		}
	}
	readBufferSize := config.ReadBufferSize
	if readBufferSize <= 0 {
		readBufferSize = defReadBufferSize
	}
	return &Proactor{
		Name:           config.Name,
		logger:         logger.With().Str("proactor", config.Name).Logger(),
		queue:          queue,
		readBufferSize: readBufferSize,
		operations:     make(map[int]Handle),
		started:        atomic.NewBool(false),
		isRunning:      atomic.NewBool(false),
		stopped:        atomic.NewBool(false),
		stats:          newStats(),
	}, nil
}

// Start runs the event loop. A proactor can be started once.
func (p *Proactor) Start() error {
	if p.stopped.Load() {
		return ErrProactorStopped
	}
	if !p.started.CAS(false, true) {
		return ErrAlreadyStarted
	}
	if err := p.queue.Start(p.handleEvent); err != nil {
		p.started.Store(false)
		p.logger.Error().Msgf("can't start event queue: %+v", err)
		return err
	}
	p.isRunning.Store(true)
	p.logger.Info().Msg("proactor started")
	return nil
}

// Stop ends the event loop and cancels whatever is still pending. It is idempotent.
// Called from a completion handler it does not wait for the loop to exit.
func (p *Proactor) Stop() {
	if !p.stopped.CAS(false, true) {
		return
	}
	p.isRunning.Store(false)
	p.queue.Stop()

	p.lock.Lock()
	pending := make([]Operation, 0, len(p.operations))
	for fd, h := range p.operations {
		pending = append(pending, p.slots[h.index()].op)
		delete(p.operations, fd)
		p.release(h)
	}
	p.lock.Unlock()
	for _, op := range pending {
		op.Cancel()
		p.stats.Cancelled.Inc()
	}
	p.logger.Info().Msgf("proactor stopped, %d pending operations cancelled", len(pending))
}

func (p *Proactor) IsRunning() bool {
	return p.isRunning.Load()
}

// Pending returns the number of registered operations.
func (p *Proactor) Pending() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.operations)
}

func (p *Proactor) Stats() StatsSnapshot {
	return p.stats.snapshot(p.Pending())
}

// ReportStats logs a stats snapshot every interval until ctx is done.
func (p *Proactor) ReportStats(ctx context.Context, interval time.Duration) {
	reportStats(ctx, p.logger, interval, p.Stats)
}

// RegisterOperation parks op until fd is ready: read readiness for accept and read,
// write readiness for connect and write. Registering a descriptor that already has a
// pending operation is rejected with ErrOperationPending.
func (p *Proactor) RegisterOperation(fd int, op Operation) error {
	if op == nil {
		return invalidArgument("[%d] nil operation", fd)
	}
	if fd < 0 {
		return ErrInvalidSocket
	}
	if p.stopped.Load() {
		return ErrProactorStopped
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, busy := p.operations[fd]; busy {
		p.logger.Error().Msgf("[%d] rejected %s operation, another operation is pending", fd, op.Type())
		return fmt.Errorf("%w: fd %d", ErrOperationPending, fd)
	}
	h, err := p.acquire(fd, op)
	if err != nil {
		return err
	}
	direction := op.Type().direction()
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] registering %s operation for %s events", fd, op.Type(), direction)
	}
	if direction == DirectionRead {
		err = p.queue.RegisterForRead(fd, uint32(h))
	} else {
		err = p.queue.RegisterForWrite(fd, uint32(h))
	}
	if err != nil {
		p.release(h)
		p.logger.Error().Msgf("[%d] can't register %s events: %+v", fd, direction, err)
		return err
	}
	p.operations[fd] = h
	p.stats.Registered.Inc()
	return nil
}

// CancelOperation drops the operation pending on fd so its handler is not invoked.
// An operation whose event is already being serviced cannot be cancelled this way.
func (p *Proactor) CancelOperation(fd int) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	h, ok := p.operations[fd]
	if !ok {
		return false
	}
	op := p.slots[h.index()].op
	p.unregister(fd, op.Type().direction())
	op.Cancel()
	delete(p.operations, fd)
	p.release(h)
	p.stats.Cancelled.Inc()
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] cancelled %s operation", fd, op.Type())
	}
	return true
}

// handleEvent runs on the event queue loop.
func (p *Proactor) handleEvent(fd int, direction Direction, userData uint32) {
	p.lock.Lock()
	h, ok := p.operations[fd]
	if !ok || h != Handle(userData) {
		p.lock.Unlock()
		p.stats.Stale.Inc()
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] no operation found for %s event", fd, direction)
		}
		return
	}
	op := p.slots[h.index()].op
	if op.Type().direction() != direction {
		p.lock.Unlock()
		p.stats.Stale.Inc()
		return
	}
	delete(p.operations, fd)
	p.release(h)
	p.unregister(fd, direction)
	p.lock.Unlock()

	p.stats.Dispatched.Inc()
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] processing %s operation", fd, op.Type())
	}
	switch o := op.(type) {
	case *AcceptOperation:
		p.handleAccept(fd, o)
	case *ConnectOperation:
		p.handleConnect(fd, o)
	case *ReadOperation:
		p.handleRead(fd, o)
	case *WriteOperation:
		o.handleWriteEvent(p)
	default:
		p.logger.Error().Msgf("[%d] unsupported operation %T", fd, op)
		p.finish(op, -1, nil)
	}
}

func (p *Proactor) handleAccept(fd int, op *AcceptOperation) {
	clientFd, err := acceptFd(fd)
	if err != nil {
		p.logger.Error().Msgf("[%d] accept failed: %v", fd, err)
		p.finish(op, -1, nil)
		return
	}
	if clientFd < 0 {
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] no pending connections, retrying", fd)
		}
		p.retry(fd, op)
		return
	}
	p.deliverAccepted(op, clientFd)
}

func (p *Proactor) deliverAccepted(op *AcceptOperation, clientFd int) {
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] accepted connection on socket %d", op.Fd(), clientFd)
	}
	if !p.finish(op, 0, bufferWithDescriptor(clientFd)) {
		// nobody took ownership
		_ = unix.Close(clientFd)
	}
}

func (p *Proactor) handleConnect(fd int, op *ConnectOperation) {
	if err := pendingError(fd); err != nil {
		p.logger.Error().Msgf("[%d] connection to %s:%d failed: %v", fd, op.address, op.port, err)
		p.finish(op, -1, nil)
		return
	}
	if _, err := writeFd(fd, nil); err != nil && err != unix.EAGAIN {
		p.logger.Error().Msgf("[%d] zero-byte write test failed: %v", fd, errorFromErrno("write", err))
		p.finish(op, -1, nil)
		return
	}
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] connection established to %s:%d", fd, op.address, op.port)
	}
	p.finish(op, 0, nil)
}

func (p *Proactor) handleRead(fd int, op *ReadOperation) {
	buffer := NewBuffer(p.readBufferSize)
	read, err := readFd(fd, buffer.data)
	if err == unix.EAGAIN {
		p.retry(fd, op)
		return
	}
	if err != nil {
		p.logger.Error().Msgf("[%d] read failed: %v", fd, errorFromErrno("read", err))
		p.finish(op, -1, nil)
		return
	}
	if read == 0 {
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] connection closed by peer", fd)
		}
		p.finish(op, 0, nil)
		return
	}
	buffer.SetSize(read)
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] read %d bytes", fd, read)
	}
	p.finish(op, read, buffer)
}

// retry registers op again after a spurious wake-up. A failed registration completes
// op with an error so the caller is not left waiting.
func (p *Proactor) retry(fd int, op Operation) {
	if op.Cancelled() {
		return
	}
	p.stats.Retried.Inc()
	if err := p.RegisterOperation(fd, op); err != nil {
		p.logger.Error().Msgf("[%d] can't re-register %s operation: %v", fd, op.Type(), err)
		p.finish(op, -1, nil)
	}
}

// finish completes op and keeps the counters. It reports whether the handler ran.
func (p *Proactor) finish(op Operation, result int, buffer *Buffer) bool {
	if !op.complete(result, buffer) {
		p.stats.Suppressed.Inc()
		return false
	}
	if result < 0 {
		p.stats.Failed.Inc()
	} else {
		p.stats.Completed.Inc()
	}
	return true
}

// unregister must be called with p.lock held.
func (p *Proactor) unregister(fd int, direction Direction) {
	var err error
	if direction == DirectionRead {
		err = p.queue.UnregisterForRead(fd)
	} else {
		err = p.queue.UnregisterForWrite(fd)
	}
	if err != nil {
		p.logger.Error().Msgf("[%d] can't unregister %s events: %+v", fd, direction, err)
	}
}

// acquire and release must be called with p.lock held.
func (p *Proactor) acquire(fd int, op Operation) (Handle, error) {
	var index uint32
	if n := len(p.free); n > 0 {
		index = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if len(p.slots) >= maxSlots {
			return 0, invalidArgument("[%d] too many pending operations", fd)
		}
		index = uint32(len(p.slots))
		p.slots = append(p.slots, slot{})
	}
	s := &p.slots[index]
	s.op = op
	s.fd = fd
	s.used = true
	return makeHandle(index, s.generation), nil
}

func (p *Proactor) release(h Handle) {
	s := &p.slots[h.index()]
	if !s.used {
		return
	}
	s.op = nil
	s.fd = -1
	s.used = false
	s.generation++
	p.free = append(p.free, h.index())
}
