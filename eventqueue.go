package proactor

import "github.com/rs/zerolog"

// Direction is the kind of readiness reported for a descriptor.
type Direction uint8

const (
	DirectionRead Direction = iota + 1
	DirectionWrite
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "READ"
	case DirectionWrite:
		return "WRITE"
	}
	return "UNKNOWN"
}

// EventCallback is invoked on the queue's loop goroutine for every ready (fd, direction).
// userData is the value given at registration.
type EventCallback func(fd int, direction Direction, userData uint32)

// EventQueue hides the kernel readiness facility. Implementations run one background
// loop between Start and Stop and cannot be restarted.
type EventQueue interface {
	RegisterForRead(fd int, userData uint32) error
	RegisterForWrite(fd int, userData uint32) error
	// UnregisterForRead and UnregisterForWrite succeed when nothing is registered.
	UnregisterForRead(fd int) error
	UnregisterForWrite(fd int) error
	Start(callback EventCallback) error
	// Stop ends the loop and waits for it, except when called from the callback: then
	// the loop stops once the callback returns.
	Stop()
	// WakeUp interrupts a blocked wait without stopping the loop.
	WakeUp() error
}

type EventQueueConfig struct {
	Name            string
	LockOsThread    bool
	EventBufferSize int
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}
