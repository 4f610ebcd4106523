package database

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/warden/internal/core/data"
	"github.com/dcrodman/warden/internal/core/metrics"
)

// recordingDatabase remembers the order in which statements were executed.
type recordingDatabase struct {
	mu       sync.Mutex
	executed []interface{}
	err      error
	closed   bool
}

func (r *recordingDatabase) Prepare(id StatementID, args ...interface{}) Statement {
	return Statement{ID: id, Args: args}
}

func (r *recordingDatabase) Execute(_ context.Context, stmt Statement) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, stmt.Args[0])
	if r.err != nil {
		return nil, r.err
	}
	return &Result{RowsAffected: 1}, nil
}

func (r *recordingDatabase) Close() error {
	r.closed = true
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWorker_ExecutesInOrder(t *testing.T) {
	db := &recordingDatabase{}
	w := NewWorker(db, testLogger(), nil, time.Second)
	w.Start()

	var want []interface{}
	for i := 0; i < 100; i++ {
		want = append(want, i)
		if err := w.Enqueue(&Request{Statement: w.Prepare(InsertWrongPasswordLog, i), FireAndForget: true}); err != nil {
			t.Fatalf("Enqueue() returned an unexpected error: %v", err)
		}
	}

	w.Stop()
	w.Join()
	if err := w.CloseDB(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, db.executed); diff != "" {
		t.Errorf("requests did not execute in FIFO order; diff:\n%s", diff)
	}
	if !db.closed {
		t.Error("expected CloseDB() to close the database")
	}
}

func TestWorker_ResponseAndNotice(t *testing.T) {
	w := NewWorker(&recordingDatabase{}, testLogger(), metrics.New(), time.Second)
	w.Start()
	defer func() {
		w.Stop()
		w.Join()
	}()

	noticed := make(chan int, 1)
	var called bool
	req := &Request{
		Statement: w.Prepare(SelectAccountByName, "bob"),
		Callback: func(res *Result, err error) bool {
			called = err == nil && res.RowsAffected == 1
			return true
		},
		Notice: func() {
			// The response must already be visible when the notice fires.
			noticed <- len(w.DrainResponses())
		},
	}
	if err := w.Enqueue(req); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-noticed:
		if n != 1 {
			t.Fatalf("expected 1 queued response at notice time, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the notice")
	}

	if !req.Complete() || !called {
		t.Error("expected the callback to run with a successful result")
	}
}

func TestWorker_ErrorIsReported(t *testing.T) {
	dbErr := errors.New("connection reset")
	w := NewWorker(&recordingDatabase{err: dbErr}, testLogger(), nil, time.Second)
	w.Start()

	if err := w.Enqueue(&Request{
		Statement: w.Prepare(SelectAccountByName, "bob"),
		Callback:  func(*Result, error) bool { return false },
	}); err != nil {
		t.Fatal(err)
	}
	// Fire-and-forget failures are only logged.
	if err := w.Enqueue(&Request{Statement: w.Prepare(InsertWrongPasswordLog, "x"), FireAndForget: true}); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Join()

	responses := w.DrainResponses()
	if len(responses) != 1 {
		t.Fatalf("expected exactly 1 response, got %d", len(responses))
	}
	if !errors.Is(responses[0].Err, dbErr) || responses[0].Result != nil {
		t.Errorf("expected the database error on the response, got %+v", responses[0])
	}
	if responses[0].Complete() {
		t.Error("expected Complete() to return the callback's result")
	}
	if len(w.DrainResponses()) != 0 {
		t.Error("expected DrainResponses() to empty the response queue")
	}
}

func TestWorker_EnqueueErrors(t *testing.T) {
	w := NewWorker(&recordingDatabase{}, testLogger(), nil, time.Second)

	req := &Request{Statement: w.Prepare(InsertWrongPasswordLog, "x"), FireAndForget: true}
	if err := w.Enqueue(req); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped before Start(), got %v", err)
	}

	w.Start()
	if err := w.Enqueue(&Request{Statement: w.Prepare(SelectAccountByName, "bob")}); !errors.Is(err, ErrMissingCallback) {
		t.Errorf("expected ErrMissingCallback, got %v", err)
	}

	w.Stop()
	w.Join()
	if err := w.Enqueue(req); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped after Stop(), got %v", err)
	}
}

func TestWorker_SingleActiveSession(t *testing.T) {
	gdb := setUpDatabase(t)
	w := NewWorker(NewLoginDatabase(gdb), testLogger(), nil, time.Second)
	w.Start()

	const accountID = uint64(42)
	for _, greetcode := range [][]byte{{1}, {2}, {3}} {
		del := &Request{Statement: w.Prepare(DeletePreviousSessions, accountID), FireAndForget: true}
		ins := &Request{
			Statement:     w.Prepare(InsertNewSession, accountID, []byte{9}, "127.0.0.1", greetcode),
			FireAndForget: true,
		}
		if err := w.Enqueue(del); err != nil {
			t.Fatal(err)
		}
		if err := w.Enqueue(ins); err != nil {
			t.Fatal(err)
		}
	}
	w.Stop()
	w.Join()

	sessions, err := data.FindActiveSessions(gdb, accountID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one active session, got %d", len(sessions))
	}
	if diff := cmp.Diff([]byte{3}, sessions[0].Greetcode); diff != "" {
		t.Errorf("expected the last issued greetcode to survive; diff:\n%s", diff)
	}
	if err := w.CloseDB(); err != nil {
		t.Fatal(err)
	}
}
