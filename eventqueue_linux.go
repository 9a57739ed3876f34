package proactor

import (
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const defEventsBufferSize = 64

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

const (
	interestRead uint8 = 1 << iota
	interestWrite
)

type fdInterest struct {
	mask     uint8
	userData uint32
}

// epollQueue is the level-triggered epoll EventQueue. The read end of a self-pipe is
// registered alongside user descriptors so Stop and WakeUp can interrupt epoll_wait.
type epollQueue struct {
	name         string
	logger       zerolog.Logger
	lockOsThread bool
	epfd         int
	wakeR        int
	wakeW        int
	events       []unix.EpollEvent

	lock      sync.Mutex
	interests map[int]fdInterest
	closed    bool

	lifecycle   sync.Mutex
	isRunning   *atomic.Bool
	started     bool
	stopped     bool
	done        chan struct{}
	loopID      *atomic.Uint64
	closeOnExit *atomic.Bool
}

// NewEventQueue opens an epoll instance and its wake pipe.
func NewEventQueue(config EventQueueConfig) (EventQueue, error) {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("queue", config.Name).Logger()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errorFromErrno("epoll_create1", err)
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, errorFromErrno("pipe2", err)
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pipe[0], &unix.EpollEvent{Fd: int32(pipe[0]), Events: unix.EPOLLIN})
	if err != nil {
		_ = unix.Close(pipe[0])
		_ = unix.Close(pipe[1])
		_ = unix.Close(epfd)
		return nil, errorFromErrno("epoll_ctl add wake pipe", err)
	}

	bufferSize := config.EventBufferSize
	if bufferSize < defEventsBufferSize {
		bufferSize = defEventsBufferSize
	}
	if logger.Debug().Enabled() {
		logger.Debug().Msgf("init event queue:%+v", config)
	}
	return &epollQueue{
		name:         config.Name,
		logger:       logger,
		lockOsThread: config.LockOsThread,
		epfd:         epfd,
		wakeR:        pipe[0],
		wakeW:        pipe[1],
		events:       make([]unix.EpollEvent, bufferSize),
		interests:    make(map[int]fdInterest),
		isRunning:    atomic.NewBool(false),
		done:         make(chan struct{}),
		loopID:       atomic.NewUint64(0),
		closeOnExit:  atomic.NewBool(false),
	}, nil
}

func (q *epollQueue) RegisterForRead(fd int, userData uint32) error {
	return q.register(fd, interestRead, userData)
}

func (q *epollQueue) RegisterForWrite(fd int, userData uint32) error {
	return q.register(fd, interestWrite, userData)
}

func (q *epollQueue) UnregisterForRead(fd int) error {
	return q.unregister(fd, interestRead)
}

func (q *epollQueue) UnregisterForWrite(fd int) error {
	return q.unregister(fd, interestWrite)
}

func (q *epollQueue) register(fd int, bit uint8, userData uint32) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrQueueStopped
	}
	current, exists := q.interests[fd]
	next := fdInterest{mask: current.mask | bit, userData: userData}
	ev := &unix.EpollEvent{Events: epollEvents(next.mask), Fd: int32(fd), Pad: int32(userData)}

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(q.epfd, op, fd, ev)
	if err == unix.ENOENT && op == unix.EPOLL_CTL_MOD {
		// the descriptor was closed and reused since the last registration
		next.mask = bit
		ev.Events = epollEvents(bit)
		err = unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	} else if err == unix.EEXIST && op == unix.EPOLL_CTL_ADD {
		err = unix.EpollCtl(q.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
	if err != nil {
		return errorFromErrno("epoll_ctl register", err)
	}
	q.interests[fd] = next
	if q.logger.Debug().Enabled() {
		q.logger.Debug().Msgf("[%d] epoll interest mask:%b", fd, next.mask)
	}
	return nil
}

func (q *epollQueue) unregister(fd int, bit uint8) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	current, exists := q.interests[fd]
	if q.closed || !exists || current.mask&bit == 0 {
		return nil
	}
	current.mask &^= bit
	if current.mask == 0 {
		delete(q.interests, fd)
		err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return errorFromErrno("epoll_ctl del", err)
	}
	q.interests[fd] = current
	ev := &unix.EpollEvent{Events: epollEvents(current.mask), Fd: int32(fd), Pad: int32(current.userData)}
	err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT || err == unix.EBADF {
		delete(q.interests, fd)
		return nil
	}
	return errorFromErrno("epoll_ctl mod", err)
}

func epollEvents(mask uint8) uint32 {
	var events uint32
	if mask&interestRead != 0 {
		events |= readEvents
	}
	if mask&interestWrite != 0 {
		events |= writeEvents
	}
	return events
}

func (q *epollQueue) Start(callback EventCallback) error {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true
	q.isRunning.Store(true)
	go q.loop(callback)
	return nil
}

// Stop called from the callback does not wait: the loop returns after the current
// callback and releases the descriptors itself.
func (q *epollQueue) Stop() {
	q.lifecycle.Lock()
	if q.stopped {
		q.lifecycle.Unlock()
		return
	}
	q.stopped = true
	q.isRunning.Store(false)
	started := q.started
	if started && q.isLoopGoroutine() {
		q.closeOnExit.Store(true)
		q.lifecycle.Unlock()
		return
	}
	q.lifecycle.Unlock()

	if started {
		if err := q.WakeUp(); err != nil {
			q.logger.Error().Msgf("got error while waking up event loop: %+v", err)
		}
		<-q.done
	}
	q.close()
}

func (q *epollQueue) WakeUp() error {
	_, err := unix.Write(q.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// the pipe is full, a wake-up is already pending
		return nil
	}
	return errorFromErrno("write wake pipe", err)
}

func (q *epollQueue) loop(callback EventCallback) {
	defer close(q.done)
	if q.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	q.loopID.Store(goroutineID())
	defer func() {
		q.loopID.Store(0)
		if q.closeOnExit.Load() {
			q.close()
		}
	}()
	q.logger.Info().Msg("event loop started")
	for q.isRunning.Load() {
		evCount, err := unix.EpollWait(q.epfd, q.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			q.logger.Error().Msgf("error occurs in epoll: %v", errorFromErrno("epoll_wait", err))
			break
		}
		for i := 0; i < evCount && q.isRunning.Load(); i++ {
			event := q.events[i]
			fd := int(event.Fd)
			if fd == q.wakeR {
				q.drainWakePipe()
				continue
			}
			q.dispatch(fd, event.Events, uint32(event.Pad), callback)
		}
		if q.logger.Debug().Enabled() {
			q.logger.Debug().Msgf("processed %d netpoll events", evCount)
		}
	}
	q.logger.Info().Msg("event loop stopped")
}

// dispatch hands the kernel-carried user data to the callback. The interest mask
// filters out directions unregistered since the wait returned.
func (q *epollQueue) dispatch(fd int, events uint32, userData uint32, callback EventCallback) {
	q.lock.Lock()
	interest, ok := q.interests[fd]
	q.lock.Unlock()
	if !ok {
		if q.logger.Debug().Enabled() {
			q.logger.Debug().Msgf("[%d] epoll event:%d for unregistered fd", fd, events)
		}
		return
	}
	readable := interest.mask&interestRead != 0 && events&(readEvents|errorEvents) != 0
	writable := interest.mask&interestWrite != 0 && events&(writeEvents|errorEvents) != 0
	if readable {
		q.invoke(callback, fd, DirectionRead, userData)
	}
	if writable {
		q.invoke(callback, fd, DirectionWrite, userData)
	}
}

func (q *epollQueue) invoke(callback EventCallback, fd int, direction Direction, userData uint32) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Msgf("[%d] recovered panic in %s event callback: %v", fd, direction, r)
		}
	}()
	callback(fd, direction, userData)
}

func (q *epollQueue) drainWakePipe() {
	var buf [256]byte
	for {
		n, err := unix.Read(q.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (q *epollQueue) isLoopGoroutine() bool {
	id := q.loopID.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the id out of the "goroutine N [...]" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

func (q *epollQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.interests = make(map[int]fdInterest)
	for _, fd := range []int{q.wakeR, q.wakeW, q.epfd} {
		if err := unix.Close(fd); err != nil {
			q.logger.Error().Msgf("got error while closing event queue fd %d: %+v", fd, err)
		}
	}
}
