// Package tasks runs work that must outlive the update that started it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor owns background tasks. Tasks run on a context that lives as long
// as the supervisor, not as long as the request that submitted them, and a
// task name can only be in flight once.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

func NewSupervisor(logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
		logger:   logger.Named("tasks"),
		inFlight: make(map[string]struct{}),
	}
}

// Go starts fn under name unless a task with the same name is still running
// or the supervisor is shut down. It never blocks and reports whether fn was
// started.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("Task rejected after shutdown", zap.String("task", name))
		return false
	}
	if _, ok := s.inFlight[name]; ok {
		s.mu.Unlock()
		s.logger.Debug("Task already running", zap.String("task", name))
		return false
	}
	s.inFlight[name] = struct{}{}

	// group.Go stays under mu: Shutdown marks closed under mu before waiting.
	s.group.Go(func() error {
		defer s.finish(name)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		if err := fn(s.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info("Task cancelled", zap.String("task", name))
			} else {
				s.logger.Error("Task failed", zap.String("task", name), zap.Error(err))
			}
			return nil
		}

		s.logger.Info("Task finished", zap.String("task", name))
		return nil
	})
	s.mu.Unlock()

	s.logger.Info("Task started", zap.String("task", name))
	return true
}

// Running reports whether a task with the given name is in flight.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[name]
	return ok
}

func (s *Supervisor) finish(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	_ = s.group.Wait()
}

// Shutdown stops accepting tasks, cancels the running ones and waits for them
// or for ctx, whichever comes first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background tasks: %w", ctx.Err())
	}
}
