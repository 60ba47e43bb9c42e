// Package executor provides the serial task queue that confines all
// signaling-protocol and session-state mutations to a single goroutine.
package executor

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "executor")

// Executor is a single-consumer FIFO task queue. Tasks run strictly in
// submission order on one dedicated goroutine, so state owned by that
// goroutine needs no locking.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	running bool
	// stopping keeps the drain goroutine going until the queue is empty
	// while rejecting new submissions.
	stopping bool
	done     chan struct{}
}

// New creates a stopped executor; call Start before submitting tasks.
func New() *Executor {
	e := &Executor{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the consumer goroutine. Starting a running executor is a
// no-op.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopping = false
	e.done = make(chan struct{})
	go e.run()
}

// Execute enqueues a task. Tasks submitted after Stop are dropped with a
// warning; a late completion racing a teardown is expected and harmless.
func (e *Executor) Execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.stopping {
		log.Warn("task submitted to stopped executor, dropping")
		return
	}
	e.tasks = append(e.tasks, task)
	e.cond.Signal()
}

// Stop drains the pending queue, then terminates the consumer goroutine and
// waits for it to exit. Safe to call more than once.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	done := e.done
	e.cond.Signal()
	e.mu.Unlock()
	<-done
}

func (e *Executor) run() {
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.stopping {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.running = false
			close(e.done)
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}
