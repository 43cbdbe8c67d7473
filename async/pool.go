package async

import (
	"sync"
	"time"

	"github.com/opensetdb/openset/gologger"
)

// idleWait caps how long a worker sleeps with no scheduled work.
const idleWait = 100 * time.Millisecond

// Pool owns W worker goroutines, each bound to a disjoint subset of the P
// partition loops (partition p belongs to worker p mod W).
type Pool struct {
	partitionMax int
	workerCount  int

	loops   []*Loop
	workers []*worker

	startOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type worker struct {
	id   int
	wake chan struct{}
}

func NewPool(partitionMax, workerCount int) *Pool {
	if workerCount > partitionMax {
		workerCount = partitionMax
	}
	p := &Pool{
		partitionMax: partitionMax,
		workerCount:  workerCount,
		stop:         make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		p.workers = append(p.workers, &worker{id: i, wake: make(chan struct{}, 1)})
	}
	for i := 0; i < partitionMax; i++ {
		p.loops = append(p.loops, newLoop(p, i, i%workerCount))
	}
	return p
}

func (p *Pool) PartitionMax() int { return p.partitionMax }
func (p *Pool) WorkerCount() int  { return p.workerCount }

// GetPartition returns the loop owning a partition, nil when out of range.
func (p *Pool) GetPartition(id int) *Loop {
	if id < 0 || id >= p.partitionMax {
		return nil
	}
	return p.loops[id]
}

// CellFactory invokes factory once per listed partition and queues the
// produced cell on that partition's loop. The factory sees the loop (and
// through it the worker id) so it can index per-worker result buffers —
// that is what keeps aggregation lockless.
func (p *Pool) CellFactory(partitions []int, factory func(*Loop) Cell) {
	for _, id := range partitions {
		loop := p.GetPartition(id)
		if loop == nil {
			continue
		}
		loop.QueueCell(factory(loop))
	}
}

// PurgeByTable cancels all cells for a table across every partition. Safe
// to call with the pool live; see Loop.PurgeByTable.
func (p *Pool) PurgeByTable(table string) {
	for _, l := range p.loops {
		l.PurgeByTable(table)
	}
}

func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for _, w := range p.workers {
			p.wg.Add(1)
			go p.runWorker(w)
		}
	})
}

func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) wakeWorker(id int) {
	select {
	case p.workers[id].wake <- struct{}{}:
	default:
	}
}

// runWorker is the per-worker loop: run every owned partition until no
// progress, then sleep until new work arrives or the earliest timer fires.
func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	logger := gologger.NewWorkerLogger(w.id)
	logger.Debug().Msg("async worker started")

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		nextRun := int64(-1)
		progress := false
		for id := w.id; id < p.partitionMax; id += p.workerCount {
			if p.loops[id].Run(&nextRun) {
				progress = true
			}
		}
		if progress {
			continue
		}

		wait := idleWait
		if nextRun > 0 {
			if until := time.Duration(nextRun-Now()) * time.Millisecond; until < wait {
				wait = until
			}
			if wait < 0 {
				continue
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-w.wake:
		case <-timer.C:
		case <-p.stop:
			logger.Debug().Msg("async worker stopping")
			return
		}
	}
}
