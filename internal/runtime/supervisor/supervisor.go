// Package supervisor manages named goroutines tied to a shared context,
// with panic recovery and optional cancel-on-first-error.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "tempobot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	firstErr    atomic.Value // stores error
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil goroutine error cancel the
// supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first fatal error observed (if any).
func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	err, _ := v.(error)
	return err
}

// Go starts a named goroutine under the supervisor context. A panic is
// recovered and treated as an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("goroutine %s panicked: %v", name, r)
				s.log.Error("goroutine panic",
					logx.String("name", name), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
				s.fail(err)
			}
		}()

		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error("goroutine exited with error", logx.String("name", name), logx.Err(err))
			s.fail(err)
		}
	}()
}

func (s *Supervisor) fail(err error) {
	s.firstErr.CompareAndSwap(nil, err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for all goroutines, up to timeout.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("supervisor: goroutines still running after %s", timeout)
	}
}
