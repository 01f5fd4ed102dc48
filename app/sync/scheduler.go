package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ykarpov/readersync/app/store"
)

const jobTimeout = 5 * time.Minute

// Scheduler serializes and deduplicates network jobs. Interactive jobs drain
// through one worker, bulk content jobs through a second independent one.
// Job lifecycle events flow through the hub's single dispatch goroutine.
type Scheduler struct {
	hub      *store.Hub
	interval time.Duration
	periodic func() []Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	interactive chan Job
	content     chan Job

	mu      sync.Mutex
	pending map[string]bool
}

// NewScheduler creates a scheduler. periodic, when non-nil, is invoked every
// interval to produce the standard sync job chain.
func NewScheduler(hub *store.Hub, interval time.Duration, periodic func() []Job) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		hub:         hub,
		interval:    interval,
		periodic:    periodic,
		ctx:         ctx,
		cancel:      cancel,
		interactive: make(chan Job, 100),
		content:     make(chan Job, 100),
		pending:     make(map[string]bool),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.worker("interactive", s.interactive)
	go s.worker("content", s.content)

	if s.periodic == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueAll(s.periodic())

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueAll(s.periodic())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Enqueue accepts a job only if no equal job is already queued or running.
// Returns false when the job was suppressed as a duplicate or the queue is
// full.
func (s *Scheduler) Enqueue(job Job) bool {
	s.mu.Lock()
	if s.pending[job.Key()] {
		s.mu.Unlock()
		slog.Debug("Duplicate job suppressed", "kind", job.Kind(), "key", job.Key())
		return false
	}
	s.pending[job.Key()] = true
	s.mu.Unlock()

	queue := s.interactive
	if job.Bulk() {
		queue = s.content
	}

	select {
	case queue <- job:
		return true
	default:
		s.release(job)
		slog.Warn("Job queue full, dropping job", "kind", job.Kind())
		return false
	}
}

func (s *Scheduler) enqueueAll(jobs []Job) {
	for _, job := range jobs {
		s.Enqueue(job)
	}
}

func (s *Scheduler) release(job Job) {
	s.mu.Lock()
	delete(s.pending, job.Key())
	s.mu.Unlock()
}

func (s *Scheduler) worker(name string, queue chan Job) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-queue:
			s.execute(name, job)
		}
	}
}

// execute runs one job and reports exactly one of success or failure. A job
// failure never stops the worker loop.
func (s *Scheduler) execute(worker string, job Job) {
	defer s.release(job)

	s.hub.NotifySyncStarted(job.Kind())
	started := time.Now()

	jobCtx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	err := job.Run(jobCtx)
	cancel()

	if err != nil {
		slog.Error("Job failed", "worker", worker, "kind", job.Kind(),
			"duration", time.Since(started), "error", err)
		s.hub.NotifySyncFinished(job.Kind(), false)
		return
	}

	slog.Info("Job completed", "worker", worker, "kind", job.Kind(),
		"duration", time.Since(started))
	s.hub.NotifySyncFinished(job.Kind(), true)
}
