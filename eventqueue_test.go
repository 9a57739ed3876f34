package proactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type queueEvent struct {
	fd        int
	direction Direction
	userData  uint32
}

func newTestQueue(t *testing.T) EventQueue {
	t.Helper()
	queue, err := NewEventQueue(EventQueueConfig{Name: t.Name(), LockOsThread: true})
	require.NoError(t, err)
	t.Cleanup(queue.Stop)
	return queue
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func drain(fd int) {
	var buf [512]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func TestEventQueueReadReadiness(t *testing.T) {
	queue := newTestQueue(t)
	r, w := newPipe(t)
	events := make(chan queueEvent, 16)
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		drain(fd)
		events <- queueEvent{fd: fd, direction: direction, userData: userData}
	}))
	require.NoError(t, queue.RegisterForRead(r, 7))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.Equal(t, queueEvent{fd: r, direction: DirectionRead, userData: 7}, ev)
	case <-time.After(defaultTestTimeout):
		t.Fatal("no read event")
	}

	require.NoError(t, queue.UnregisterForRead(r))
	_, err = unix.Write(w, []byte("y"))
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after unregister: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventQueueWriteReadiness(t *testing.T) {
	queue := newTestQueue(t)
	_, w := newPipe(t)
	events := make(chan queueEvent, 16)
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		assert.NoError(t, queue.UnregisterForWrite(fd))
		events <- queueEvent{fd: fd, direction: direction, userData: userData}
	}))
	require.NoError(t, queue.RegisterForWrite(w, 3))

	select {
	case ev := <-events:
		assert.Equal(t, queueEvent{fd: w, direction: DirectionWrite, userData: 3}, ev)
	case <-time.After(defaultTestTimeout):
		t.Fatal("no write event")
	}
}

func TestEventQueueReadAndWriteOnSameDescriptor(t *testing.T) {
	queue := newTestQueue(t)
	client, server := newConnectedPair(t)
	events := make(chan queueEvent, 16)
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		if direction == DirectionRead {
			assert.NoError(t, queue.UnregisterForRead(fd))
		} else {
			assert.NoError(t, queue.UnregisterForWrite(fd))
		}
		events <- queueEvent{fd: fd, direction: direction, userData: userData}
	}))
	require.NoError(t, queue.RegisterForRead(client.Fd(), 1))
	require.NoError(t, queue.RegisterForWrite(client.Fd(), 2))
	_, err := server.Write([]byte("x"))
	require.NoError(t, err)

	seen := map[Direction]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.direction] = true
		case <-time.After(defaultTestTimeout):
			t.Fatalf("missing events, got %v", seen)
		}
	}
}

func TestEventQueueLifecycle(t *testing.T) {
	queue, err := NewEventQueue(EventQueueConfig{Name: "lifecycle"})
	require.NoError(t, err)
	callback := func(int, Direction, uint32) {}

	require.NoError(t, queue.Start(callback))
	assert.ErrorIs(t, queue.Start(callback), ErrAlreadyStarted)
	assert.NoError(t, queue.WakeUp())

	queue.Stop()
	queue.Stop()
	assert.ErrorIs(t, queue.Start(callback), ErrQueueStopped)
	assert.ErrorIs(t, queue.RegisterForRead(0, 1), ErrQueueStopped)
	assert.NoError(t, queue.UnregisterForRead(0))
}

func TestEventQueueStopWithoutStart(t *testing.T) {
	queue, err := NewEventQueue(EventQueueConfig{Name: "idle"})
	require.NoError(t, err)
	queue.Stop()
}

func TestEventQueueWakeUpKeepsRunning(t *testing.T) {
	queue := newTestQueue(t)
	r, w := newPipe(t)
	events := make(chan queueEvent, 16)
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		drain(fd)
		events <- queueEvent{fd: fd, direction: direction, userData: userData}
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, queue.WakeUp())
	}
	require.NoError(t, queue.RegisterForRead(r, 1))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	select {
	case <-events:
	case <-time.After(defaultTestTimeout):
		t.Fatal("loop stopped after wake-up")
	}
}

func TestEventQueueRecoversCallbackPanic(t *testing.T) {
	queue := newTestQueue(t)
	r, w := newPipe(t)
	calls := atomic.NewInt32(0)
	events := make(chan struct{}, 16)
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		drain(fd)
		if calls.Inc() == 1 {
			panic("boom")
		}
		events <- struct{}{}
	}))
	require.NoError(t, queue.RegisterForRead(r, 1))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, defaultTestTimeout, pollInterval)
	_, err = unix.Write(w, []byte("y"))
	require.NoError(t, err)
	select {
	case <-events:
	case <-time.After(defaultTestTimeout):
		t.Fatal("loop did not survive the panic")
	}
}

func TestUnregisterUnknownDescriptor(t *testing.T) {
	queue := newTestQueue(t)
	assert.NoError(t, queue.UnregisterForRead(12345))
	assert.NoError(t, queue.UnregisterForWrite(12345))
}

func TestEventQueueDeliversLatestUserData(t *testing.T) {
	queue := newTestQueue(t)
	r, w := newPipe(t)
	events := make(chan queueEvent, 16)
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		drain(fd)
		events <- queueEvent{fd: fd, direction: direction, userData: userData}
	}))
	require.NoError(t, queue.RegisterForRead(r, 1))
	require.NoError(t, queue.UnregisterForRead(r))
	require.NoError(t, queue.RegisterForRead(r, 9))
	require.NoError(t, queue.RegisterForWrite(r, 11))
	require.NoError(t, queue.UnregisterForWrite(r))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.Equal(t, queueEvent{fd: r, direction: DirectionRead, userData: 11}, ev)
	case <-time.After(defaultTestTimeout):
		t.Fatal("no read event")
	}
}

func TestEventQueueStopFromCallback(t *testing.T) {
	queue, err := NewEventQueue(EventQueueConfig{Name: "self-stop"})
	require.NoError(t, err)
	r, w := newPipe(t)
	returned := make(chan struct{})
	require.NoError(t, queue.Start(func(fd int, direction Direction, userData uint32) {
		drain(fd)
		queue.Stop()
		close(returned)
	}))
	require.NoError(t, queue.RegisterForRead(r, 1))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-returned:
	case <-time.After(defaultTestTimeout):
		t.Fatal("Stop from the callback did not return")
	}
	select {
	case <-queue.(*epollQueue).done:
	case <-time.After(defaultTestTimeout):
		t.Fatal("loop did not exit")
	}
	queue.Stop()
	assert.ErrorIs(t, queue.RegisterForRead(r, 1), ErrQueueStopped)
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	assert.NotZero(t, id)
	assert.Equal(t, id, goroutineID())
	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, id, <-other)
}
