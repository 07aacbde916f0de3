package rpc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Server answers requests arriving on a terminal by calling fn. Requests are
// served concurrently.
type Server[A, R any] struct {
	term   Terminal[Response[R], Request[A]]
	fn     func(ctx context.Context, args A) (R, error)
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer[A, R any](term Terminal[Response[R], Request[A]], fn func(ctx context.Context, args A) (R, error), log zerolog.Logger) *Server[A, R] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server[A, R]{term: term, fn: fn, log: log, ctx: ctx, cancel: cancel}
	term.Listen(s.handle)
	return s
}

func (s *Server[A, R]) handle(req Request[A]) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := Response[R]{ID: req.ID}
		returned, err := s.fn(s.ctx, req.Args)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Returned = returned
		}
		if err := s.term.Post(s.ctx, resp); err != nil {
			s.log.Warn().Err(err).Str("correlation_id", req.ID).Msg("failed to post response")
		}
	}()
}

// Close cancels in-flight calls and waits for them to return.
func (s *Server[A, R]) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
