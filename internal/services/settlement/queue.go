package settlement

import (
	"context"
	"sync"
	"time"
)

type confirmTask struct {
	id       string
	attempt  int
	interval time.Duration
	due      time.Time
}

// workQueue is an unbounded queue of confirmation tasks ordered by due time.
type workQueue struct {
	mu    sync.Mutex
	tasks []confirmTask
	ids   map[string]struct{}
	wake  chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{
		ids:  make(map[string]struct{}),
		wake: make(chan struct{}, 1),
	}
}

// push adds t unless a task for the same withdrawal is queued or running.
func (q *workQueue) push(t confirmTask) bool {
	q.mu.Lock()
	if _, ok := q.ids[t.id]; ok {
		q.mu.Unlock()
		return false
	}
	q.ids[t.id] = struct{}{}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	q.notify()
	return true
}

// requeue puts back a task taken with pop.
func (q *workQueue) requeue(t confirmTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	q.notify()
}

// done releases the id of a finished task.
func (q *workQueue) done(id string) {
	q.mu.Lock()
	delete(q.ids, id)
	q.mu.Unlock()
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// pop blocks until a task is due or ctx ends.
func (q *workQueue) pop(ctx context.Context) (confirmTask, bool) {
	for {
		q.mu.Lock()
		now := time.Now()
		best := -1
		for i, t := range q.tasks {
			if best < 0 || t.due.Before(q.tasks[best].due) {
				best = i
			}
		}
		if best >= 0 && !q.tasks[best].due.After(now) {
			t := q.tasks[best]
			q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
			q.mu.Unlock()
			// let another worker look at the rest
			q.notify()
			return t, true
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if best >= 0 {
			timer = time.NewTimer(q.tasks[best].due.Sub(now))
			timeout = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return confirmTask{}, false
		case <-q.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *workQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
