package session

import (
	"context"
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("session: channel closed")

// Channel moves raw byte chunks between two devices. Chunk boundaries carry
// no meaning; a Session frames its own data.
type Channel interface {
	Send(ctx context.Context, chunk []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// pipeEnd is one side of an in-process channel pair.
type pipeEnd struct {
	name string
	in   chan []byte
	peer *pipeEnd

	once   sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-memory channels. Closing either end closes both.
func Pipe(depth int) (Channel, Channel) {
	if depth < 1 {
		depth = 1
	}
	a := &pipeEnd{name: "pipe-a", in: make(chan []byte, depth), closed: make(chan struct{})}
	b := &pipeEnd{name: "pipe-b", in: make(chan []byte, depth), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, chunk []byte) error {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	select {
	case <-p.closed:
		return ErrChannelClosed
	case <-p.peer.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case p.peer.in <- c:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-p.peer.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv drains chunks already in flight before reporting a close.
func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case c := <-p.in:
		return c, nil
	default:
	}
	select {
	case c := <-p.in:
		return c, nil
	case <-p.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shut()
	p.peer.shut()
	return nil
}

func (p *pipeEnd) shut() {
	p.once.Do(func() { close(p.closed) })
}

func (p *pipeEnd) RemoteAddr() string {
	return p.peer.name
}
