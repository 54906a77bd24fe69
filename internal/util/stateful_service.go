// Package util provides lifecycle and process-level helpers shared by every
// long-lived loop in the queue runner.
package util

import (
	"context"
	"sync"

	"github.com/buildbeaver/queue-runner/internal/logger"
)

// StatefulService gives a background loop a standard start/stop lifecycle:
// a cancellable context, and a channel to wait on for exit. Every long-lived
// task in the runner (queue monitor, dispatcher, per-session writer and ping
// watchdog, FOD traverse loop, uploader worker, config reloader) is one of
// these.
type StatefulService struct {
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	ctxCancel context.CancelFunc
	doneC     chan struct{}
	fn        func(ctx context.Context)
	log       logger.Log
}

// NewStatefulService wraps fn in a service that runs it on Start in its own
// goroutine, passing it a context that is cancelled on Stop.
func NewStatefulService(ctx context.Context, log logger.Log, fn func(ctx context.Context)) *StatefulService {
	ctx, cancel := context.WithCancel(ctx)
	return &StatefulService{
		ctx:       ctx,
		ctxCancel: cancel,
		doneC:     make(chan struct{}),
		fn:        fn,
		log:       log,
	}
}

// Ctx returns the service's context; it is cancelled when Stop is called.
func (s *StatefulService) Ctx() context.Context {
	return s.ctx
}

// Done can be used to wait for the service to exit on its own (without Stop).
func (s *StatefulService) Done() <-chan struct{} {
	return s.doneC
}

// Start begins running the service in the background. Panics if called more
// than once.
func (s *StatefulService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Panic("start can only be called once")
	}
	s.started = true
	s.log.Info("starting")
	go func() {
		defer close(s.doneC)
		s.fn(s.ctx)
	}()
}

// Stop cancels the service's context and blocks until its goroutine exits.
// Idempotent.
func (s *StatefulService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.log.Info("stopping")
	s.ctxCancel()
	<-s.doneC
	s.log.Info("stopped")
}
