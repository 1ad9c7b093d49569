package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tucanchat/tucan/core/models"
)

// processing an envelope includes provider media fetches and interpreter
// node I/O, so the budget is generous
const processTimeout = time.Minute

// task is one accepted envelope waiting for a worker.
type task struct {
	org  *models.Org
	body []byte
}

// Foreman takes care of managing our set of workers and assigning accepted
// envelopes to them.
type Foreman struct {
	server  *Server
	workers int
	tasks   chan *task
	wg      sync.WaitGroup
}

// NewForeman creates a new Foreman for the passed in server with the number
// of max workers
func NewForeman(server *Server, maxWorkers int) *Foreman {
	return &Foreman{
		server:  server,
		workers: maxWorkers,
		tasks:   make(chan *task, maxWorkers*8),
	}
}

// Start starts our workers, each waiting for tasks.
func (f *Foreman) Start() {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.work(i)
	}
	slog.Info("webhook workers started", "comp", "webhook", "workers", f.workers)
}

// Queue hands an envelope to the pool, blocking when every worker is busy
// and the backlog is full.
func (f *Foreman) Queue(t *task) {
	f.tasks <- t
}

// Stop closes the intake, waits for queued envelopes to finish processing
// and returns.
func (f *Foreman) Stop() {
	close(f.tasks)
	f.wg.Wait()
	slog.Info("webhook workers stopped", "comp", "webhook")
}

func (f *Foreman) work(id int) {
	defer f.wg.Done()

	log := slog.With("comp", "webhook", "worker_id", id)
	for t := range f.tasks {
		f.process(t, log)
	}
	log.Debug("worker stopped")
}

// process runs a single envelope, a panic in one envelope must never take
// the worker down with it
func (f *Foreman) process(t *task, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic processing webhook", "panic", r, "org_id", t.org.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	f.server.processPayload(ctx, t.org, t.body)
}
