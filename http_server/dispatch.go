package http_server

import (
	"sync"

	"github.com/opensetdb/openset/stats"
)

// Intake admission: two bounded queues feeding separate worker pools. Query
// traffic (non-fork /v1/query POSTs and GETs) shares 8 workers gated by a
// 3-slot admission semaphore; everything else, fork POSTs included, goes
// through 32 ungated workers. Fork POSTs must not wait behind query
// admission or an originator self-dispatching would deadlock.
const (
	queryWorkers  = 8
	otherWorkers  = 32
	maxConcurrent = 3

	queueBound = 1024
)

type task struct {
	run  func()
	done chan struct{}
}

type dispatcher struct {
	queryMessages chan *task
	otherMessages chan *task

	querySlots chan struct{}
	stop       chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		queryMessages: make(chan *task, queueBound),
		otherMessages: make(chan *task, queueBound),
		querySlots:    make(chan struct{}, maxConcurrent),
		stop:          make(chan struct{}),
	}
	for i := 0; i < queryWorkers; i++ {
		go d.runQueryWorker()
	}
	for i := 0; i < otherWorkers; i++ {
		go d.runOtherWorker()
	}
	return d
}

// submit enqueues onto the named queue and blocks until the task has run.
// After Stop the workers are gone, so the task runs on the caller instead of
// stranding it on done.
func (d *dispatcher) submit(query bool, run func()) {
	t := &task{run: run, done: make(chan struct{})}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		run()
		return
	}
	if query {
		stats.QueueDepth.WithLabelValues("query").Inc()
		d.queryMessages <- t
	} else {
		stats.QueueDepth.WithLabelValues("other").Inc()
		d.otherMessages <- t
	}
	d.mu.Unlock()
	<-t.done
}

func (d *dispatcher) runQueryWorker() {
	for {
		select {
		case t := <-d.queryMessages:
			stats.QueueDepth.WithLabelValues("query").Dec()

			// admission: at most maxConcurrent queries in flight per node
			d.querySlots <- struct{}{}
			stats.RunningQueries.Inc()
			stats.QueriesStarted.Inc()

			t.run()

			stats.RunningQueries.Dec()
			<-d.querySlots
			close(t.done)
		case <-d.stop:
			return
		}
	}
}

func (d *dispatcher) runOtherWorker() {
	for {
		select {
		case t := <-d.otherMessages:
			stats.QueueDepth.WithLabelValues("other").Dec()
			t.run()
			close(t.done)
		case <-d.stop:
			return
		}
	}
}

// Stop retires the workers, then runs out whatever is still queued so every
// in-flight submit call returns. Tasks a worker already picked up finish on
// that worker.
func (d *dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stop)
	d.mu.Unlock()

	for {
		select {
		case t := <-d.queryMessages:
			stats.QueueDepth.WithLabelValues("query").Dec()
			t.run()
			close(t.done)
		case t := <-d.otherMessages:
			stats.QueueDepth.WithLabelValues("other").Dec()
			t.run()
			close(t.done)
		default:
			return
		}
	}
}
