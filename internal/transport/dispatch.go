package transport

import (
	"sync"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/panjf2000/ants/v2"
)

// serialQueue runs its jobs one at a time in submission order. Each session
// owns one, so listener callbacks for a session never run concurrently or
// out of order even though they execute on pool workers.
type serialQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

// dispatcher drains serial queues on an ants pool.
type dispatcher struct {
	pool *ants.PoolWithFunc
}

func newDispatcher(size int) (*dispatcher, error) {
	if size <= 0 {
		size = 8
	}
	pool, err := ants.NewPoolWithFunc(size, func(arg any) {
		q, ok := arg.(*serialQueue)
		if !ok {
			logs.Errf("transport.dispatcher unexpected job type %T", arg)
			return
		}
		q.drain()
	}, ants.WithPanicHandler(func(p any) {
		logs.Errf("transport.dispatcher worker panic: %v", p)
	}))
	if err != nil {
		return nil, err
	}
	return &dispatcher{pool: pool}, nil
}

// Submit appends job to q and schedules a drain when q is idle. When the pool
// refuses work the job runs on the caller's goroutine.
func (d *dispatcher) Submit(q *serialQueue, job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	if err := d.pool.Invoke(q); err != nil {
		logs.Warnf("transport.dispatcher pool invoke failed, draining inline: %v", err)
		q.drain()
	}
}

func (d *dispatcher) Release() {
	d.pool.Release()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		runJob(job)
	}
}

func runJob(job func()) {
	defer func() {
		if p := recover(); p != nil {
			logs.Errf("transport.dispatcher listener panic: %v", p)
		}
	}()
	job()
}
