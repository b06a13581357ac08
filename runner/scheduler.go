package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrAccountBusy is returned when a job is submitted for an account that
// already has one running and the caller chose not to wait.
var ErrAccountBusy = errors.New("account already has a running job")

// Scheduler admits at most one job per account.
type Scheduler struct {
	mu   sync.Mutex
	busy map[string]chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{busy: make(map[string]chan struct{})}
}

// Acquire claims account. If it is taken, Acquire either fails with
// ErrAccountBusy or, with wait set, blocks until it is released or ctx ends.
// The returned release func must be called exactly once.
func (s *Scheduler) Acquire(ctx context.Context, account string, wait bool) (func(), error) {
	for {
		s.mu.Lock()
		held, ok := s.busy[account]
		if !ok {
			ch := make(chan struct{})
			s.busy[account] = ch
			s.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					s.mu.Lock()
					delete(s.busy, account)
					s.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		s.mu.Unlock()

		if !wait {
			return nil, ErrAccountBusy
		}
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Busy reports whether account currently has a job.
func (s *Scheduler) Busy(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.busy[account]
	return ok
}
