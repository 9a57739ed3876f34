// Package proactor runs asynchronous TCP socket operations (accept, connect, read and
// write) on top of a readiness-based event queue.
//
// An operation is initiated against a Proactor, which parks it until the EventQueue
// reports the descriptor ready, performs the I/O on its loop goroutine and delivers the
// outcome exactly once: to the operation's CompletionHandler and through Wait/Done.
// At most one operation may be pending per descriptor.
//
// The only EventQueue shipped is level-triggered epoll, so the package builds on Linux.
package proactor
