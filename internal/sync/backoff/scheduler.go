package backoff

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is returned by Wait when the wait was cancelled through the
// Scheduler rather than its context.
var ErrCancelled = errors.New("backoff wait cancelled")

// Task is a scheduled retry. Cancel stops it if it has not fired yet.
type Task struct {
	id     uint64
	timer  *time.Timer
	done   chan struct{}
	once   sync.Once
	owner  *Scheduler
	fired  bool
	fireMu sync.Mutex
}

// Cancel stops the task. It returns false if the task already fired or was
// already cancelled.
func (t *Task) Cancel() bool {
	t.fireMu.Lock()
	defer t.fireMu.Unlock()
	if t.fired {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
	}
	t.timer.Stop()
	t.close()
	return true
}

// Done is closed when the task fires or is cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) close() {
	t.once.Do(func() {
		close(t.done)
		t.owner.forget(t.id)
	})
}

// Scheduler owns every pending retry timer so they can all be cancelled on
// shutdown or abort.
type Scheduler struct {
	policy *Policy

	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
}

// NewScheduler creates a Scheduler around policy.
func NewScheduler(policy *Policy) *Scheduler {
	return &Scheduler{
		policy: policy,
		tasks:  make(map[uint64]*Task),
	}
}

// Policy returns the delay policy.
func (s *Scheduler) Policy() *Policy {
	return s.policy
}

// Schedule runs fn after d unless the task is cancelled first.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Task {
	t := &Task{done: make(chan struct{}), owner: s}
	t.fireMu.Lock()
	defer t.fireMu.Unlock()

	s.mu.Lock()
	s.nextID++
	t.id = s.nextID
	s.tasks[t.id] = t
	s.mu.Unlock()

	t.timer = time.AfterFunc(d, func() {
		t.fireMu.Lock()
		select {
		case <-t.done:
			t.fireMu.Unlock()
			return
		default:
		}
		t.fired = true
		t.fireMu.Unlock()
		if fn != nil {
			fn()
		}
		t.close()
	})
	return t
}

// Wait blocks for d. It returns ctx.Err() if ctx ends first and
// ErrCancelled if CancelAll is called during the wait.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := s.Schedule(d, func() { close(fired) })

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Cancel()
		return ctx.Err()
	case <-t.Done():
		select {
		case <-fired:
			return nil
		default:
			return ErrCancelled
		}
	}
}

// WaitAttempt waits the policy delay for attempt after err.
func (s *Scheduler) WaitAttempt(ctx context.Context, attempt int, err error) (time.Duration, error) {
	d := s.policy.CalculateBackoffFor(attempt, err)
	return d, s.Wait(ctx, d)
}

// CancelAll cancels every pending task.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	pending := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	n := 0
	for _, t := range pending {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// Pending returns the number of tasks that have neither fired nor been
// cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}
