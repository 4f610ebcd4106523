package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/warden/internal/core/metrics"
)

var (
	ErrWorkerStopped   = errors.New("database worker is not running")
	ErrMissingCallback = errors.New("request expects a response but has no callback")
)

const defaultQueryTimeout = 5 * time.Second

// Worker executes Requests one at a time, in the order they were enqueued, on a
// single goroutine that owns its own database session. Results of requests that
// expect a response are collected on a response queue which the caller drains
// from its own goroutine with DrainResponses.
type Worker struct {
	db           Database
	logger       logrus.FieldLogger
	metrics      *metrics.Metrics
	queryTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Request
	running atomic.Bool
	done    chan struct{}

	responseMu sync.Mutex
	responses  []*Request
}

// NewWorker creates a worker over db. m may be nil.
func NewWorker(db Database, logger logrus.FieldLogger, m *metrics.Metrics, queryTimeout time.Duration) *Worker {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	w := &Worker{
		db:           db,
		logger:       logger,
		metrics:      m,
		queryTimeout: queryTimeout,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Prepare binds args to the statement id on the worker's database.
func (w *Worker) Prepare(id StatementID, args ...interface{}) Statement {
	return w.db.Prepare(id, args...)
}

// Start spins off the worker goroutine. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return
	}
	if w.done != nil {
		// A previous run was stopped but may still be draining.
		w.mu.Unlock()
		<-w.done
		w.mu.Lock()
	}
	w.running.Store(true)
	w.done = make(chan struct{})
	go w.run(w.done)
}

// Enqueue appends req to the execution queue.
func (w *Worker) Enqueue(req *Request) error {
	if !req.FireAndForget && req.Callback == nil {
		return ErrMissingCallback
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return ErrWorkerStopped
	}
	w.queue = append(w.queue, req)
	w.cond.Signal()
	return nil
}

// Stop stops accepting requests. Requests already queued are still executed.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running.Store(false)
	w.cond.Broadcast()
}

// Join blocks until the worker goroutine has drained its queue and exited.
func (w *Worker) Join() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// CloseDB closes the worker's database session. Call it after Join.
func (w *Worker) CloseDB() error {
	return w.db.Close()
}

// DrainResponses hands over every response produced so far.
func (w *Worker) DrainResponses() []*Request {
	w.responseMu.Lock()
	defer w.responseMu.Unlock()

	responses := w.responses
	w.responses = nil
	return responses
}

// Pending returns the number of requests waiting to be executed.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) run(done chan struct{}) {
	defer close(done)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && w.running.Load() {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			// Stopped and drained.
			w.mu.Unlock()
			return
		}
		req := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.execute(req)
	}
}

func (w *Worker) execute(req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), w.queryTimeout)
	defer cancel()

	var res *Result
	exec := func() error {
		var err error
		res, err = w.db.Execute(ctx, req.Statement)
		return err
	}

	var err error
	if w.metrics != nil {
		err = w.metrics.ObserveDatabase(req.Statement.ID.String(), exec)
	} else {
		err = exec()
	}

	if req.FireAndForget {
		if err != nil {
			w.logger.Warnf("error executing %s: %v", req.Statement.ID, err)
		}
		return
	}

	if err != nil {
		w.logger.Warnf("error executing %s, reporting to callback: %v", req.Statement.ID, err)
	}
	req.Result, req.Err = res, err

	w.responseMu.Lock()
	w.responses = append(w.responses, req)
	w.responseMu.Unlock()

	if req.Notice != nil {
		req.Notice()
	}
}
