package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeStore records every write so tests can assert ordering, rollback and
// retry behavior without a database.
type fakeStore struct {
	mu sync.Mutex

	stepOrder     []Step
	rawRows       int
	branches      int
	routes        int
	customers     int
	visits        int
	deleteCalls   int
	history       []HistoryEntry
	finalStatus   BatchStatus
	finalCounts   PerEntityCounts
	finalErrMsg   string
	markBatchErr  error
	deleteErr     error
	failStep      Step
	failTransient int // fail this many attempts with a transient error
	failAlways    bool
	attempts      int
}

func (f *fakeStore) recordStep(step Step) {
	if len(f.stepOrder) == 0 || f.stepOrder[len(f.stepOrder)-1] != step {
		f.stepOrder = append(f.stepOrder, step)
	}
}

func (f *fakeStore) write(step Step, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordStep(step)
	if f.failStep == step {
		f.attempts++
		if f.failAlways {
			return fmt.Errorf("disk on fire")
		}
		if f.attempts <= f.failTransient {
			return &TransientWriteError{Err: fmt.Errorf("deadlock detected")}
		}
	}
	switch step {
	case StepRawBackup:
		f.rawRows += count
	case StepBranches:
		f.branches += count
	case StepRoutes:
		f.routes += count
	case StepCustomers:
		f.customers += count
	case StepVisits:
		f.visits += count
	}
	return nil
}

func (f *fakeStore) MarkBatchProcessing(ctx context.Context, tenantID, batchID uuid.UUID) error {
	return f.markBatchErr
}

func (f *fakeStore) CompleteBatch(ctx context.Context, tenantID, batchID uuid.UUID, status BatchStatus, counts PerEntityCounts, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalStatus = status
	f.finalCounts = counts
	f.finalErrMsg = errMsg
	return nil
}

func (f *fakeStore) InsertRawRows(ctx context.Context, tenantID, batchID uuid.UUID, headers []string, rows [][]string, startRow int) error {
	return f.write(StepRawBackup, len(rows))
}

func (f *fakeStore) UpsertBranches(ctx context.Context, tenantID, batchID uuid.UUID, branches []Branch) error {
	return f.write(StepBranches, len(branches))
}

func (f *fakeStore) UpsertRoutes(ctx context.Context, tenantID, batchID uuid.UUID, routes []Route) error {
	return f.write(StepRoutes, len(routes))
}

func (f *fakeStore) UpsertCustomers(ctx context.Context, tenantID, batchID uuid.UUID, customers []Customer) error {
	return f.write(StepCustomers, len(customers))
}

func (f *fakeStore) UpsertVisits(ctx context.Context, tenantID, batchID uuid.UUID, visits []Visit) error {
	return f.write(StepVisits, len(visits))
}

func (f *fakeStore) DeleteEntitiesByBatch(ctx context.Context, tenantID, batchID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.branches, f.routes, f.customers, f.visits = 0, 0, 0, 0
	return nil
}

func (f *fakeStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBatch() *ImportBatch {
	return &ImportBatch{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		FileName:    "routes.csv",
		RawRowCount: 4,
		Status:      BatchPending,
		Uploader:    "Test Operator",
		StartedAt:   time.Now(),
	}
}

func testSet() *EntitySet {
	rep := "U1"
	return &EntitySet{
		Branches:  []Branch{{Code: "B1", Name: "Riyadh North", IsActive: true}},
		Routes:    []Route{{BranchCode: "B1", Name: "R1", RepCode: &rep}},
		Customers: []Customer{{BranchCode: "B1", Key: "C1", NameEn: "Store A"}, {BranchCode: "B1", Key: "C2", NameEn: "Store B"}},
		Visits:    []Visit{{RouteName: "R1", CustomerKey: "C1", WeekNumber: 1, DayName: "Sunday", VisitOrder: 1}},
		Stats:     ExtractStats{RecordCount: 4, RouteRepPairs: 1},
	}
}

func testUpload() RawUpload {
	return RawUpload{
		FileName: "routes.csv",
		Headers:  []string{"Branch Code", "Route", "Client Code", "Customer"},
		Rows: [][]string{
			{"B1", "R1", "C1", "Store A"},
			{"B1", "R1", "C2", "Store B"},
			{"B1", "R1", "C1", "Store A"},
			{"B1", "R1", "C2", "Store B"},
		},
	}
}

func TestRunWritesStepsInOrder(t *testing.T) {
	store := &fakeStore{}
	orch := NewOrchestrator(store, testLogger(), Config{BatchSize: 1, Workers: 1})

	var events []ProgressEvent
	counts, err := orch.Run(context.Background(), testBatch(), testUpload(), testSet(),
		func(ev ProgressEvent) { events = append(events, ev) }, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantOrder := []Step{StepRawBackup, StepBranches, StepRoutes, StepCustomers, StepVisits}
	if len(store.stepOrder) != len(wantOrder) {
		t.Fatalf("step order: got %v, want %v", store.stepOrder, wantOrder)
	}
	for i, step := range wantOrder {
		if store.stepOrder[i] != step {
			t.Fatalf("step %d: got %s, want %s", i, store.stepOrder[i], step)
		}
	}

	if store.rawRows != 4 || store.branches != 1 || store.routes != 1 || store.customers != 2 || store.visits != 1 {
		t.Errorf("written rows: raw=%d branches=%d routes=%d customers=%d visits=%d",
			store.rawRows, store.branches, store.routes, store.customers, store.visits)
	}
	if want := (PerEntityCounts{Branches: 1, Routes: 1, Customers: 2, Visits: 1}); counts != want {
		t.Errorf("counts: got %+v, want %+v", counts, want)
	}
	if store.finalStatus != BatchComplete {
		t.Errorf("final status: %s", store.finalStatus)
	}
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	last := events[len(events)-1]
	if last.Step != StepVisits || last.Percent != 100 {
		t.Errorf("last event: %+v", last)
	}
}

func TestRunCountsMatchPreview(t *testing.T) {
	store := &fakeStore{}
	orch := NewOrchestrator(store, testLogger(), Config{})
	set := testSet()

	counts, err := orch.Run(context.Background(), testBatch(), testUpload(), set, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts != set.Counts() {
		t.Fatalf("write counts %+v diverge from preview counts %+v", counts, set.Counts())
	}
	if store.finalCounts != set.Counts() {
		t.Fatalf("persisted counts %+v diverge from preview counts %+v", store.finalCounts, set.Counts())
	}
}

func TestRunAppendsHistoryOnSuccess(t *testing.T) {
	store := &fakeStore{}
	orch := NewOrchestrator(store, testLogger(), Config{})
	batch := testBatch()

	if _, err := orch.Run(context.Background(), batch, testUpload(), testSet(), nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(store.history) != 1 {
		t.Fatalf("history entries: got %d", len(store.history))
	}
	entry := store.history[0]
	if entry.FileName != "routes.csv" || entry.Uploader != "Test Operator" || entry.Type != "ROUTE" {
		t.Errorf("history entry: %+v", entry)
	}
	if entry.RecordCount != batch.RawRowCount {
		t.Errorf("history record count: got %d, want %d", entry.RecordCount, batch.RawRowCount)
	}
}

func TestRunCancellationRollsBackEntitiesKeepsRaw(t *testing.T) {
	store := &fakeStore{}
	orch := NewOrchestrator(store, testLogger(), Config{BatchSize: 1, Workers: 1})

	// Flips to cancelled once the raw snapshot has landed, so the poll before
	// the first branches batch observes it.
	cancelled := func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.rawRows == 4
	}

	_, err := orch.Run(context.Background(), testBatch(), testUpload(), testSet(), nil, cancelled)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	if store.rawRows != 4 {
		t.Errorf("raw snapshot must survive cancellation, got %d rows", store.rawRows)
	}
	if store.branches != 0 || store.routes != 0 || store.customers != 0 || store.visits != 0 {
		t.Errorf("entities not rolled back: %+v", store)
	}
	if store.deleteCalls != 1 {
		t.Errorf("delete calls: got %d", store.deleteCalls)
	}
	if store.finalStatus != BatchCancelled {
		t.Errorf("final status: %s", store.finalStatus)
	}
}

func TestRunRetriesTransientWrites(t *testing.T) {
	store := &fakeStore{failStep: StepCustomers, failTransient: 2}
	orch := NewOrchestrator(store, testLogger(), Config{BatchSize: 10, Workers: 1, MaxRetries: 4, RetryBase: time.Millisecond})

	if _, err := orch.Run(context.Background(), testBatch(), testUpload(), testSet(), nil, nil); err != nil {
		t.Fatalf("run should survive transient failures: %v", err)
	}
	if store.attempts != 3 {
		t.Errorf("attempts: got %d, want 3", store.attempts)
	}
	if store.customers != 2 {
		t.Errorf("customers written after retry: got %d", store.customers)
	}
	if store.finalStatus != BatchComplete {
		t.Errorf("final status: %s", store.finalStatus)
	}
}

func TestRunFatalErrorRollsBackAndReports(t *testing.T) {
	store := &fakeStore{failStep: StepRoutes, failAlways: true}
	orch := NewOrchestrator(store, testLogger(), Config{BatchSize: 10, Workers: 1, MaxRetries: 2, RetryBase: time.Millisecond})

	_, err := orch.Run(context.Background(), testBatch(), testUpload(), testSet(), nil, nil)
	var fatal *FatalWriteError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalWriteError, got %T: %v", err, err)
	}
	if fatal.Step != StepRoutes {
		t.Errorf("failed step: %s", fatal.Step)
	}
	if fatal.RollbackFailed {
		t.Error("rollback should have succeeded")
	}
	if store.deleteCalls != 1 {
		t.Errorf("delete calls: got %d", store.deleteCalls)
	}
	if store.finalStatus != BatchError {
		t.Errorf("final status: %s", store.finalStatus)
	}
	if store.rawRows != 4 {
		t.Errorf("raw snapshot must survive a failed import, got %d rows", store.rawRows)
	}
}

func TestRunRollbackFailureDemandsManualCleanup(t *testing.T) {
	store := &fakeStore{failStep: StepVisits, failAlways: true, deleteErr: errors.New("connection lost")}
	orch := NewOrchestrator(store, testLogger(), Config{MaxRetries: 1, RetryBase: time.Millisecond})
	batch := testBatch()

	_, err := orch.Run(context.Background(), batch, testUpload(), testSet(), nil, nil)
	var fatal *FatalWriteError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalWriteError, got %v", err)
	}
	if !fatal.RollbackFailed {
		t.Fatal("rollback failure not flagged")
	}
	want := "manual cleanup required for batch " + batch.ID.String()
	if !strings.Contains(err.Error(), want) {
		t.Errorf("error %q missing %q", err.Error(), want)
	}
}

func TestRunMarkProcessingFailureStopsBeforeAnyWrite(t *testing.T) {
	store := &fakeStore{markBatchErr: errors.New("batch is not pending")}
	orch := NewOrchestrator(store, testLogger(), Config{})

	if _, err := orch.Run(context.Background(), testBatch(), testUpload(), testSet(), nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if store.rawRows != 0 || store.deleteCalls != 0 {
		t.Errorf("no writes may happen when the batch cannot start: %+v", store)
	}
}

func TestRunProgressNeverRegressesUnderConcurrency(t *testing.T) {
	set := &EntitySet{Branches: []Branch{{Code: "B1", Name: "Riyadh North", IsActive: true}}}
	for i := 0; i < 64; i++ {
		set.Customers = append(set.Customers, Customer{BranchCode: "B1", Key: fmt.Sprintf("C%d", i), NameEn: "Store"})
	}

	store := &fakeStore{}
	orch := NewOrchestrator(store, testLogger(), Config{BatchSize: 1, Workers: 8})

	var mu sync.Mutex
	var events []ProgressEvent
	sink := func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	if _, err := orch.Run(context.Background(), testBatch(), testUpload(), set, sink, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	last := map[Step]int{}
	for i, ev := range events {
		if ev.CurrentCount < last[ev.Step] {
			t.Fatalf("event %d: step %s count went backwards, %d after %d", i, ev.Step, ev.CurrentCount, last[ev.Step])
		}
		last[ev.Step] = ev.CurrentCount
	}
	if last[StepCustomers] != 64 {
		t.Fatalf("customers final count: got %d, want 64", last[StepCustomers])
	}
}

func TestRunIsIdempotentAcrossReruns(t *testing.T) {
	store := &fakeStore{}
	orch := NewOrchestrator(store, testLogger(), Config{})
	set := testSet()

	first, err := orch.Run(context.Background(), testBatch(), testUpload(), set, nil, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := orch.Run(context.Background(), testBatch(), testUpload(), set, nil, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first != second {
		t.Fatalf("reported counts differ across reruns: %+v vs %+v", first, second)
	}
}
