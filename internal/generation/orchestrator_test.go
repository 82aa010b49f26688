package generation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// countingExecutor records invocations and returns a fixed result or error.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (e *countingExecutor) Execute(ctx context.Context, userID int64, req Request) (Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if e.err != nil {
		return Result{}, e.err
	}
	return Result{
		Prompt:    req.Prompt,
		Style:     req.Style,
		Status:    "done",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// countingLedger wraps a Ledger and records how often it is touched.
type countingLedger struct {
	Ledger
	mu    sync.Mutex
	calls int
}

func (l *countingLedger) bump() {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
}

func (l *countingLedger) GetIdempotency(key string) (storage.IdempotencyRecord, error) {
	l.bump()
	return l.Ledger.GetIdempotency(key)
}

func (l *countingLedger) CreateIdempotency(key string, userID int64) error {
	l.bump()
	return l.Ledger.CreateIdempotency(key, userID)
}

func (l *countingLedger) MarkIdempotencyDone(key string, generationID int64) error {
	l.bump()
	return l.Ledger.MarkIdempotencyDone(key, generationID)
}

func (l *countingLedger) MarkIdempotencyFailed(key string) error {
	l.bump()
	return l.Ledger.MarkIdempotencyFailed(key)
}

func testRequest() Request {
	return Request{Prompt: "sunset over the bay", Style: "watercolor"}
}

func TestSubmitMissingKey(t *testing.T) {
	store := openTestStore(t)
	ledger := &countingLedger{Ledger: store}
	exec := &countingExecutor{}
	o := NewOrchestrator(ledger, store, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "")

	if out.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", out.Code)
	}
	if ledger.calls != 0 {
		t.Errorf("ledger touched %d times for missing key, want 0", ledger.calls)
	}
	if exec.count() != 0 {
		t.Errorf("executor invoked for missing key")
	}
}

func TestSubmitSuccess(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	o := NewOrchestrator(store, store, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "k1")

	if out.Code != http.StatusCreated {
		t.Fatalf("Code = %d, want 201 (message %q)", out.Code, out.Message)
	}
	if out.Generation == nil || out.Generation.ID == 0 {
		t.Fatalf("expected generation with assigned ID, got %+v", out.Generation)
	}
	if out.Idempotent {
		t.Error("fresh creation flagged idempotent")
	}

	rec, err := store.GetIdempotency("k1")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != storage.StatusDone || rec.GenerationID != out.Generation.ID {
		t.Errorf("ledger record = %+v, want done with generation %d", rec, out.Generation.ID)
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	o := NewOrchestrator(store, store, exec)

	first := o.Submit(context.Background(), 1, testRequest(), "k1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first submit Code = %d, want 201", first.Code)
	}

	second := o.Submit(context.Background(), 1, testRequest(), "k1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay Code = %d, want 200", second.Code)
	}
	if !second.Idempotent {
		t.Error("replay not flagged idempotent")
	}
	if second.Generation.ID != first.Generation.ID {
		t.Errorf("replay returned generation %d, want %d", second.Generation.ID, first.Generation.ID)
	}
	if exec.count() != 1 {
		t.Errorf("executor ran %d times, want 1", exec.count())
	}

	n, err := store.CountGenerations()
	if err != nil {
		t.Fatalf("CountGenerations: %v", err)
	}
	if n != 1 {
		t.Errorf("generation rows = %d, want 1 (replay must not insert)", n)
	}
}

func TestSubmitInProgress(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	o := NewOrchestrator(store, store, exec)

	if err := store.CreateIdempotency("k1", 1); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}

	out := o.Submit(context.Background(), 1, testRequest(), "k1")
	if out.Code != http.StatusAccepted {
		t.Errorf("Code = %d, want 202", out.Code)
	}
	if exec.count() != 0 {
		t.Errorf("executor ran for in-progress key")
	}
}

func TestSubmitFailedKeyIsRefused(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{err: ErrOverloaded}
	o := NewOrchestrator(store, store, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "k2")
	if out.Code != http.StatusServiceUnavailable {
		t.Fatalf("overload Code = %d, want 503", out.Code)
	}

	// The key is now terminally failed: no silent retry, no re-execution.
	out = o.Submit(context.Background(), 1, testRequest(), "k2")
	if out.Code != http.StatusConflict {
		t.Errorf("resubmit Code = %d, want 409", out.Code)
	}
	if exec.count() != 1 {
		t.Errorf("executor ran %d times, want 1", exec.count())
	}

	rec, err := store.GetIdempotency("k2")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != storage.StatusFailed {
		t.Errorf("ledger status = %q, want failed", rec.Status)
	}
}

func TestSubmitExecutionError(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{err: errors.New("disk full")}
	o := NewOrchestrator(store, store, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "k1")
	if out.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", out.Code)
	}

	rec, err := store.GetIdempotency("k1")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != storage.StatusFailed {
		t.Errorf("ledger status = %q, want failed", rec.Status)
	}
}

// failingArtifacts rejects inserts to simulate a persistence outage.
type failingArtifacts struct{}

func (failingArtifacts) InsertGeneration(g storage.Generation) (int64, error) {
	return 0, errors.New("insert refused")
}

func (failingArtifacts) GetGeneration(id int64) (storage.Generation, error) {
	return storage.Generation{}, storage.ErrNotFound
}

func TestSubmitInsertFailureMarksKeyFailed(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	o := NewOrchestrator(store, failingArtifacts{}, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "k1")
	if out.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", out.Code)
	}

	rec, err := store.GetIdempotency("k1")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != storage.StatusFailed {
		t.Errorf("ledger status = %q, want failed (unpersisted result cannot be replayed)", rec.Status)
	}
}

// markDoneFailLedger delegates to a real ledger but rejects MarkIdempotencyDone.
type markDoneFailLedger struct {
	Ledger
}

func (l markDoneFailLedger) MarkIdempotencyDone(key string, generationID int64) error {
	return errors.New("ledger unavailable")
}

func TestSubmitMarkDoneFailureStillReturnsArtifact(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	o := NewOrchestrator(markDoneFailLedger{store}, store, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "k1")
	if out.Code != http.StatusCreated {
		t.Fatalf("Code = %d, want 201 despite markDone failure", out.Code)
	}
	if out.Generation == nil || out.Generation.ID == 0 {
		t.Fatal("expected generation despite markDone failure")
	}

	// The record stays in-progress: an accepted inconsistency window that
	// cannot cause a second execution.
	rec, err := store.GetIdempotency("k1")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != storage.StatusInProgress {
		t.Errorf("ledger status = %q, want in-progress (stale)", rec.Status)
	}
}

// raceLedger reports a conflict on create and serves a canned record on the
// follow-up lookup, simulating a lost creation race.
type raceLedger struct {
	Ledger
	record  storage.IdempotencyRecord
	lookups int
}

func (l *raceLedger) GetIdempotency(key string) (storage.IdempotencyRecord, error) {
	l.lookups++
	if l.lookups == 1 {
		return storage.IdempotencyRecord{}, storage.ErrNotFound
	}
	if l.record.Key == "" {
		return storage.IdempotencyRecord{}, storage.ErrNotFound
	}
	return l.record, nil
}

func (l *raceLedger) CreateIdempotency(key string, userID int64) error {
	return storage.ErrKeyExists
}

func TestSubmitCreateRaceResolvesToWinner(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	ledger := &raceLedger{
		Ledger: store,
		record: storage.IdempotencyRecord{Key: "k1", UserID: 2, Status: storage.StatusInProgress},
	}
	o := NewOrchestrator(ledger, store, exec)

	out := o.Submit(context.Background(), 1, testRequest(), "k1")
	if out.Code != http.StatusAccepted {
		t.Errorf("Code = %d, want 202 (loser observes winner in progress)", out.Code)
	}
	if exec.count() != 0 {
		t.Errorf("losing submission executed the work")
	}
}

func TestSubmitCreateRaceRecordVanished(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{}
	o := NewOrchestrator(&raceLedger{Ledger: store}, store, exec)

	// Conflict reported but the follow-up lookup finds nothing: re-entering
	// creation could double-execute, so the submission fails instead.
	out := o.Submit(context.Background(), 1, testRequest(), "k1")
	if out.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", out.Code)
	}
	if exec.count() != 0 {
		t.Errorf("executor ran despite unresolved race")
	}
}

// TestSubmitAtMostOnceUnderConcurrency fires N concurrent submissions with
// one key and asserts the work runs exactly once: one caller gets 201, the
// rest observe the winner via 202 (or 200 if they arrive after completion).
func TestSubmitAtMostOnceUnderConcurrency(t *testing.T) {
	store := openTestStore(t)
	exec := &countingExecutor{delay: 50 * time.Millisecond}
	o := NewOrchestrator(store, store, exec)

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = o.Submit(context.Background(), 1, testRequest(), "k-race")
		}(i)
	}
	wg.Wait()

	if exec.count() != 1 {
		t.Fatalf("executor ran %d times, want exactly 1", exec.count())
	}

	var created, observed int
	for _, out := range outcomes {
		switch out.Code {
		case http.StatusCreated:
			created++
		case http.StatusAccepted, http.StatusOK:
			observed++
		default:
			t.Errorf("unexpected outcome code %d (%s)", out.Code, out.Message)
		}
	}
	if created != 1 {
		t.Errorf("%d submissions created, want exactly 1", created)
	}
	if observed != n-1 {
		t.Errorf("%d submissions observed the winner, want %d", observed, n-1)
	}

	rows, err := store.CountGenerations()
	if err != nil {
		t.Fatalf("CountGenerations: %v", err)
	}
	if rows != 1 {
		t.Errorf("generation rows = %d, want 1", rows)
	}
}
