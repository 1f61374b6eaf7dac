package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"

	"scenesplit/internal/faults"
	"scenesplit/internal/logging"
	"scenesplit/internal/storage"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Job converts one position of a source file.
type Job struct {
	ID       string
	RunID    string
	Input    string
	Output   string
	Position int
	Name     string
	// EstimatedBytes is the canonical volume size charged against the
	// memory budget while the job runs.
	EstimatedBytes int64
	// Reply, when set, receives the job's result after it is recorded. It
	// must have room for the result; the worker does not wait.
	Reply chan<- Result
}

// Result captures the outcome of a Job.
type Result struct {
	Job          Job
	Error        error
	TIFFPath     string
	MetadataPath string
	VolumeBytes  int64
	Duration     time.Duration
}

// Status returns the ledger status of the result.
func (r Result) Status() string {
	if r.Error != nil {
		return storage.StatusFailed
	}
	return storage.StatusCompleted
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) Result

func (f ProcessorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

// Pipeline orchestrates job dispatch across workers under a memory budget.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	budget    int64
	mem       *semaphore.Weighted
	submitMu  sync.RWMutex
	stopped   bool
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline running concurrency workers. budget caps the sum of
// EstimatedBytes of running jobs; a job larger than the budget runs alone.
// store may be nil.
func New(ctx context.Context, concurrency int, budget int64, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if budget < 1 {
		budget = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		budget:    budget,
		mem:       semaphore.NewWeighted(budget),
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit queues a job, blocking while the queue is full.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals workers to exit once the queue drains and waits for them.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.submitMu.Lock()
		p.stopped = true
		close(p.jobs)
		p.submitMu.Unlock()
		p.wg.Wait()
		p.cancel()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

// weight is the share of the budget a job holds while running.
func (p *Pipeline) weight(job Job) int64 {
	w := job.EstimatedBytes
	if w < 1 {
		w = 1
	}
	if w > p.budget {
		w = p.budget
	}
	return w
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		res := p.run(ctx, id, job)
		p.record(res)
		p.broadcast(res)
		if job.Reply != nil {
			select {
			case job.Reply <- res:
			default:
				p.log.Warn("reply channel full", "job", job.ID)
			}
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, job Job) Result {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: fmt.Errorf("position %d not started: %w", job.Position, err)}
	}
	w := p.weight(job)
	logging.LogProcessingStep(p.log, job.ID, "memory", "waiting", map[string]any{"bytes": w, "worker": worker})
	if err := p.mem.Acquire(ctx, w); err != nil {
		return Result{Job: job, Error: fmt.Errorf("position %d not started: %w", job.Position, err)}
	}
	defer p.mem.Release(w)

	logging.LogJobStart(p.log, job.ID, job.Input, job.Output, job.Position)
	res := p.processor.Process(ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	if res.Error != nil {
		logging.LogJobError(p.log, job.ID, faults.Kind(res.Error), res.Duration, res.Error)
	} else {
		logging.LogJobComplete(p.log, job.ID, res.Duration, map[string]any{
			"tiff":         res.TIFFPath,
			"metadata":     res.MetadataPath,
			"volume_bytes": res.VolumeBytes,
		})
	}
	return res
}

func (p *Pipeline) record(res Result) {
	if p.store == nil || res.Job.RunID == "" {
		return
	}
	rec := storage.PositionRecord{
		RunID:        res.Job.RunID,
		Index:        res.Job.Position,
		Name:         res.Job.Name,
		Status:       res.Status(),
		TIFFPath:     res.TIFFPath,
		MetadataPath: res.MetadataPath,
		Duration:     res.Duration,
		VolumeBytes:  res.VolumeBytes,
	}
	if res.Error != nil {
		rec.ErrorKind = faults.Kind(res.Error)
		rec.Error = res.Error.Error()
	}
	if err := p.store.RecordPosition(rec); err != nil {
		p.log.Warn("failed to record position", "job", res.Job.ID, "error", err)
	}
}

// Subscribe returns a channel receiving every result and an unsubscribe
// function. Results are dropped for a subscriber whose buffer is full, so
// callers that must see every result size buffer accordingly.
func (p *Pipeline) Subscribe(buffer int) (<-chan Result, func()) {
	if buffer < 1 {
		buffer = 8
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, buffer)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
