// Package pool provides bounded worker pools with per-task telemetry for
// the runtime's asynchronous fan-out paths (linked plugins, proxy
// observers, say, playSound).
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is a unit of submitted work with its telemetry record.
type Task struct {
	ID        string
	Name      string
	Submitted time.Time
	Started   time.Time
	Finished  time.Time
	Err       error
}

// Duration reports how long the task ran, zero until it finished.
func (t *Task) Duration() time.Duration {
	if t.Finished.IsZero() {
		return 0
	}
	return t.Finished.Sub(t.Started)
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name            string        `json:"name"`
	Workers         int           `json:"workers"`
	QueueLen        int           `json:"queue_len"`
	QueueCap        int           `json:"queue_cap"`
	Submitted       uint64        `json:"submitted"`
	Completed       uint64        `json:"completed"`
	Failed          uint64        `json:"failed"`
	PeakConcurrency int           `json:"peak_concurrency"`
	AvgDuration     time.Duration `json:"avg_duration"`
	SlowTasks       uint64        `json:"slow_tasks"`
}

// Callbacks receive task lifecycle events for external telemetry. Any
// field may be nil.
type Callbacks struct {
	OnStart    func(*Task)
	OnComplete func(*Task)
	OnError    func(*Task, error)
}

type job struct {
	task *Task
	fn   func() error
}

// Pool is a fixed-size worker pool over a bounded queue. Submissions are
// never dropped: when the queue is full, Submit blocks (backpressure).
type Pool struct {
	name          string
	log           *zap.Logger
	slowThreshold time.Duration
	callbacks     Callbacks

	jobs chan job
	wg   sync.WaitGroup

	// sendMu guards closed and spans every send on jobs, so Shutdown
	// cannot close the channel between a Submit's check and its send
	sendMu sync.RWMutex
	closed bool

	mu        sync.Mutex
	running   int
	stats     Stats
	durations []time.Duration
}

const durationWindow = 100

// New creates and starts a pool with size workers and a queue of maxSize.
func New(name string, size, maxSize int, slowThreshold time.Duration, log *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if maxSize < size {
		maxSize = size * 4
	}
	p := &Pool{
		name:          name,
		log:           log,
		slowThreshold: slowThreshold,
		jobs:          make(chan job, maxSize),
	}
	p.stats.Name = name
	p.stats.Workers = size
	p.stats.QueueCap = maxSize
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// SetCallbacks registers lifecycle callbacks. Call before first Submit.
func (p *Pool) SetCallbacks(cb Callbacks) {
	p.callbacks = cb
}

// Submit queues fn for execution and returns its task handle. Blocks when
// the queue is at capacity. Returns an error only after Shutdown.
func (p *Pool) Submit(name string, fn func() error) (*Task, error) {
	t := &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Submitted: time.Now(),
	}

	p.sendMu.RLock()
	if p.closed {
		p.sendMu.RUnlock()
		return nil, fmt.Errorf("pool %s: shut down", p.name)
	}
	p.jobs <- job{task: t, fn: fn}
	p.sendMu.RUnlock()

	p.mu.Lock()
	p.stats.Submitted++
	p.mu.Unlock()
	return t, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.runTask(j)
	}
}

func (p *Pool) runTask(j job) {
	t := j.task
	t.Started = time.Now()

	p.mu.Lock()
	p.running++
	if p.running > p.stats.PeakConcurrency {
		p.stats.PeakConcurrency = p.running
	}
	p.mu.Unlock()

	if p.callbacks.OnStart != nil {
		p.callbacks.OnStart(t)
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.fn()
	}()

	t.Finished = time.Now()
	t.Err = err
	d := t.Duration()

	p.mu.Lock()
	p.running--
	if err != nil {
		p.stats.Failed++
	} else {
		p.stats.Completed++
	}
	p.durations = append(p.durations, d)
	if len(p.durations) > durationWindow {
		p.durations = p.durations[len(p.durations)-durationWindow:]
	}
	slow := p.slowThreshold > 0 && d > p.slowThreshold
	if slow {
		p.stats.SlowTasks++
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("task failed",
			zap.String("pool", p.name), zap.String("task", t.Name),
			zap.Duration("duration", d), zap.Error(err))
		if p.callbacks.OnError != nil {
			p.callbacks.OnError(t, err)
		}
		return
	}
	if slow {
		p.log.Warn("slow task",
			zap.String("pool", p.name), zap.String("task", t.Name),
			zap.Duration("duration", d), zap.Duration("threshold", p.slowThreshold))
	}
	if p.callbacks.OnComplete != nil {
		p.callbacks.OnComplete(t)
	}
}

// Shutdown stops accepting work. With wait it drains the queue first.
func (p *Pool) Shutdown(wait bool) {
	// taking the write lock waits out every in-flight Submit
	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return
	}
	p.closed = true
	p.sendMu.Unlock()

	if !wait {
		// drain without executing
		for {
			select {
			case <-p.jobs:
				continue
			default:
			}
			break
		}
	}
	close(p.jobs)
	p.wg.Wait()
}

// Snapshot returns current pool counters.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.QueueLen = len(p.jobs)
	if len(p.durations) > 0 {
		var sum time.Duration
		for _, d := range p.durations {
			sum += d
		}
		s.AvgDuration = sum / time.Duration(len(p.durations))
	}
	return s
}
