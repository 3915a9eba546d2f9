// Package poll runs one cancellable polling goroutine per monitored
// quantity.
package poll

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// PollFunc performs one complete poll of quantity: transact, parse, record.
// It must not be interrupted part way, so it takes no context.
type PollFunc func(quantity string)

// Scheduler owns the polling tasks. Tasks never touch the device directly;
// every poll goes through the PollFunc.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
	poll  PollFunc
	ctx   context.Context
	wg    sync.WaitGroup

	// wait blocks for d or until ctx ends and reports whether the full
	// delay elapsed. Replaced in tests.
	wait func(ctx context.Context, d time.Duration) bool
}

type task struct {
	quantity string
	policy   Policy
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a Scheduler whose tasks end when ctx does.
func NewScheduler(ctx context.Context, poll PollFunc) *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*task),
		poll:  poll,
		ctx:   ctx,
		wait:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Enable starts polling quantity under policy. It reports false, and
// changes nothing, when the quantity is already being polled.
func (s *Scheduler) Enable(quantity string, policy Policy) (bool, error) {
	policy, err := policy.Normalize()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[quantity]; ok && t.running.Load() {
		return false, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		quantity: quantity,
		policy:   policy,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.running.Store(true)
	s.tasks[quantity] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer s.forget(t)
		s.run(ctx, t)
	}()

	log.Printf("[poll] %s enabled (%s)", quantity, policy.Mode)
	return true, nil
}

// Disable stops polling quantity. A poll in flight finishes first; the task
// exits at its next cadence boundary.
func (s *Scheduler) Disable(quantity string) bool {
	s.mu.Lock()
	t, ok := s.tasks[quantity]
	if ok {
		delete(s.tasks, quantity)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.running.Store(false)
	t.cancel()
	log.Printf("[poll] %s disabled", quantity)
	return true
}

// Running reports whether quantity has an active task.
func (s *Scheduler) Running(quantity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[quantity]
	return ok && t.running.Load()
}

// Policy returns the policy of quantity's active task.
func (s *Scheduler) Policy(quantity string) (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[quantity]
	if !ok {
		return Policy{}, false
	}
	return t.policy, true
}

// Active lists the quantities being polled, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for q, t := range s.tasks {
		if t.running.Load() {
			names = append(names, q)
		}
	}
	sort.Strings(names)
	return names
}

// Stop disables every task and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	quantities := make([]string, 0, len(s.tasks))
	for q := range s.tasks {
		quantities = append(quantities, q)
	}
	s.mu.Unlock()

	for _, q := range quantities {
		s.Disable(q)
	}
	s.wg.Wait()
}

// forget drops t from the task table if it is still the registered task
// for its quantity.
func (s *Scheduler) forget(t *task) {
	t.running.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.quantity] == t {
		delete(s.tasks, t.quantity)
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	steps := []string{t.quantity}
	if t.policy.Mode == ModeChain {
		steps = append(steps, t.policy.Pair)
	}
	cadence := t.policy.cadence()

	for {
		for _, q := range steps {
			if !t.running.Load() || ctx.Err() != nil {
				return
			}
			s.poll(q)
			if !s.wait(ctx, cadence.Next()) {
				return
			}
		}
	}
}
