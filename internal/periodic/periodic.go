// Package periodic provides the cooperative timer service behind the
// synchronizer and ledger maintenance: a worker goroutine invoking a
// callback once per period, with serialized runs and a Stop that waits
// for the in-flight run to finish.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPeriod replaces a period of 0 or less passed to New.
const DefaultPeriod = 10 * time.Second

// ErrClosed is returned by Start and Stop after Close.
var ErrClosed = errors.New("periodic: service is closed")

// Service invokes run once per period on its own goroutine. Runs never
// overlap: the single worker calls run synchronously. Start is
// idempotent (a running worker is stopped and relaunched); Stop blocks
// until the current run returns; Close implies Stop and makes further
// Start/Stop calls fail.
type Service struct {
	name   string
	run    func(ctx context.Context)
	logger *slog.Logger

	mu     sync.Mutex
	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New creates a stopped Service. A period of 0 falls back to
// DefaultPeriod; use SetPeriod(0) to stop a running service.
func New(name string, period time.Duration, run func(ctx context.Context), logger *slog.Logger) *Service {
	if period <= 0 {
		period = DefaultPeriod
	}

	return &Service{
		name:   name,
		run:    run,
		period: period,
		logger: logger,
	}
}

// Start launches the worker, stopping a previous worker first. The
// first run happens one full period after Start.
func (s *Service) Start() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("periodic: starting %s: %w", s.name, ErrClosed)
	}

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	period := s.period

	s.mu.Unlock()

	go s.loop(ctx, period, done)

	s.logger.Info("periodic service started",
		slog.String("service", s.name),
		slog.Duration("period", period),
	)

	return nil
}

// Stop cancels the worker and blocks until the in-flight run completes.
// Safe to call when not started.
func (s *Service) Stop() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("periodic: stopping %s: %w", s.name, ErrClosed)
	}

	s.stopLocked()
	s.mu.Unlock()

	return nil
}

// SetPeriod changes the tick period. A running service is restarted
// with the new period; setting 0 stops it.
func (s *Service) SetPeriod(period time.Duration) error {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()

	if period <= 0 {
		return s.Stop()
	}

	s.mu.Lock()
	s.period = period
	s.mu.Unlock()

	if running {
		return s.Start()
	}

	return nil
}

// Close stops the service permanently. Subsequent Start and Stop calls
// return ErrClosed. Close itself is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.stopLocked()
	s.closed = true

	return nil
}

// stopLocked cancels the worker and waits for it. Caller holds the
// mutex; the wait drops it so the in-flight run can finish logging and
// the loop can exit.
func (s *Service) stopLocked() {
	if s.cancel == nil {
		return
	}

	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil

	cancel()

	s.mu.Unlock()
	<-done
	s.mu.Lock()
}

// loop ticks until canceled. Runs are serialized by construction: one
// goroutine, synchronous calls.
func (s *Service) loop(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// safeRun invokes the callback with panic containment so a bad tick
// cannot kill the worker.
func (s *Service) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("periodic service panicked",
				slog.String("service", s.name),
				slog.Any("panic", r),
			)
		}
	}()

	s.run(ctx)
}
