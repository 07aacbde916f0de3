// Package rpc turns a message channel into request/response calls.
//
// A Client posts Request messages through a Terminal and matches each
// Response to its caller by a per-call correlation id, so any number of
// calls may be outstanding and responses may arrive in any order. A Server
// listens on the other end and answers each Request by invoking a function.
package rpc

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("terminal closed")

type Request[A any] struct {
	ID   string `json:"id"`
	Args A      `json:"args"`
}

type Response[R any] struct {
	ID       string `json:"id"`
	Returned R      `json:"returned"`
	Err      string `json:"error,omitempty"`
}

// Terminal is one end of a message channel. Post sends to the other end,
// Listen registers the handler for messages arriving from it.
type Terminal[Out, In any] interface {
	Post(ctx context.Context, msg Out) error
	Listen(handle func(In))
}

// PipeEnd is one end of an in-process pipe created by Pipe. Messages are
// delivered to the handler on a single goroutine in arrival order.
type PipeEnd[Out, In any] struct {
	out   chan<- Out
	in    <-chan In
	done  chan struct{}
	close func()
	once  sync.Once
}

// Pipe returns two connected terminals for a client and a server.
func Pipe[A, R any](buffer int) (*PipeEnd[Request[A], Response[R]], *PipeEnd[Response[R], Request[A]]) {
	if buffer <= 0 {
		buffer = 64
	}
	reqs := make(chan Request[A], buffer)
	resps := make(chan Response[R], buffer)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	client := &PipeEnd[Request[A], Response[R]]{out: reqs, in: resps, done: done, close: closeFn}
	server := &PipeEnd[Response[R], Request[A]]{out: resps, in: reqs, done: done, close: closeFn}
	return client, server
}

func (p *PipeEnd[Out, In]) Post(ctx context.Context, msg Out) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen starts delivery to handle. Only the first call has an effect.
func (p *PipeEnd[Out, In]) Listen(handle func(In)) {
	p.once.Do(func() {
		go func() {
			for {
				select {
				case <-p.done:
					return
				case msg := <-p.in:
					handle(msg)
				}
			}
		}()
	})
}

// Close shuts down both ends of the pipe.
func (p *PipeEnd[Out, In]) Close() error {
	p.close()
	return nil
}
