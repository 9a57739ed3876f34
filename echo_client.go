package proactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// EchoClient talks to an echo server through the proactor. Messages are queued with
// Enqueue and exchanged one at a time by Flush.
type EchoClient struct {
	proactor *Proactor
	socket   *Socket
	address  string
	port     int

	lock   sync.Mutex
	outbox *queue.Queue
}

// DialEcho connects to address:port and waits for the connection to be established.
func DialEcho(ctx context.Context, p *Proactor, address string, port int, opts SocketOptions) (*EchoClient, error) {
	socket, err := CreateTCP()
	if err != nil {
		return nil, err
	}
	if err := applySocketOptions(socket, opts); err != nil {
		_ = socket.Close()
		return nil, err
	}
	op := NewConnectOperation(nil, socket, address, port)
	if err := op.Initiate(p); err != nil {
		_ = socket.Close()
		return nil, err
	}
	completion, err := op.Wait(ctx)
	if err != nil {
		p.CancelOperation(socket.Fd())
		_ = socket.Close()
		return nil, err
	}
	if completion.Result < 0 {
		_ = socket.Close()
		return nil, fmt.Errorf("can't connect to %s:%d", address, port)
	}
	return &EchoClient{
		proactor: p,
		socket:   socket,
		address:  address,
		port:     port,
		outbox:   queue.New(),
	}, nil
}

func (c *EchoClient) Enqueue(msg []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.outbox.Add(msg)
}

// Pending returns the number of messages not yet echoed back.
func (c *EchoClient) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.outbox.Length()
}

// Flush sends the queued messages in order and returns their echoes. A message stays
// queued until its echo has been received in full.
func (c *EchoClient) Flush(ctx context.Context) ([][]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	replies := make([][]byte, 0, c.outbox.Length())
	for c.outbox.Length() > 0 {
		msg := c.outbox.Peek().([]byte)
		reply, err := c.roundTrip(ctx, msg)
		if err != nil {
			return replies, err
		}
		c.outbox.Remove()
		replies = append(replies, reply)
	}
	return replies, nil
}

func (c *EchoClient) roundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	write := NewWriteOperation(nil, c.socket, BufferFrom(msg))
	completion, err := c.await(ctx, write, write.Initiate)
	if err != nil {
		return nil, err
	}
	if completion.Result != len(msg) {
		return nil, fmt.Errorf("[%d] short write to %s:%d: %d of %d bytes", c.socket.Fd(), c.address, c.port, completion.Result, len(msg))
	}

	reply := NewBuffer(len(msg))
	for reply.Size() < len(msg) {
		read := NewReadOperation(nil, c.socket)
		completion, err := c.await(ctx, read, read.Initiate)
		if err != nil {
			return nil, err
		}
		if completion.Result <= 0 {
			return nil, fmt.Errorf("[%d] connection to %s:%d lost after %d of %d bytes", c.socket.Fd(), c.address, c.port, reply.Size(), len(msg))
		}
		reply.Append(completion.Buffer.Bytes())
	}
	return reply.Bytes(), nil
}

func (c *EchoClient) await(ctx context.Context, op Operation, initiate func(*Proactor) error) (Completion, error) {
	if err := initiate(c.proactor); err != nil {
		return Completion{}, err
	}
	completion, err := op.Wait(ctx)
	if err != nil {
		c.proactor.CancelOperation(c.socket.Fd())
		return Completion{}, err
	}
	if completion.Result < 0 {
		return completion, fmt.Errorf("[%d] %s operation failed", c.socket.Fd(), op.Type())
	}
	return completion, nil
}

// Close does not touch the queued messages.
func (c *EchoClient) Close() error {
	c.proactor.CancelOperation(c.socket.Fd())
	return c.socket.Close()
}
