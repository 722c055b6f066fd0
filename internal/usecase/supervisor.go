package usecase

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Supervisor owns every background goroutine: encode continuations, SD
// mirrors, liveness probes and periodic loops. Panics are contained and
// logged; a task failure never takes down its sibling tasks. Shutdown
// cancels the shared context and waits for all tasks to return.
type Supervisor struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{logger: logger, ctx: ctx, cancel: cancel}
}

// Go runs fn on a supervised goroutine. The context passed to fn is
// cancelled on Shutdown.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked",
					slog.String("task", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		fn(s.ctx)
	}()
}

// Shutdown stops all tasks and waits for them, or gives up when ctx
// expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
