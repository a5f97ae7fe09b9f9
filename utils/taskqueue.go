package utils

import "sync"

// TaskQueue is a FIFO queue fed by any number of producers and drained
// by one consumer at a time. Concurrent Drain calls serialize on an
// internal mutex, so every caller that gets a nil error back has
// observed an empty queue.
type TaskQueue[T any] struct {
	mu      sync.Mutex
	drainMu sync.Mutex
	tasks   []T
}

func (q *TaskQueue[T]) Push(task T) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

func (q *TaskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *TaskQueue[T]) pop() (task T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return
	}
	task, ok = q.tasks[0], true
	q.tasks = q.tasks[1:]
	return
}

func (q *TaskQueue[T]) unpop(task T) {
	q.mu.Lock()
	q.tasks = append([]T{task}, q.tasks...)
	q.mu.Unlock()
}

// Drain pops tasks one by one and hands them to fn until the queue is
// empty. If fn fails the task is put back at the head of the queue and
// the error is returned, so an interrupted drain loses nothing.
func (q *TaskQueue[T]) Drain(fn func(T) error) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	for {
		task, ok := q.pop()
		if !ok {
			return nil
		}
		if err := fn(task); err != nil {
			q.unpop(task)
			return err
		}
	}
}
