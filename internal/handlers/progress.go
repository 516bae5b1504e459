package handlers

import (
	"sync"

	"github.com/google/uuid"

	"github.com/routeops-platform/api/internal/importer"
)

// ImportTracker is the in-process presentation adapter for import progress.
// The orchestrator only emits immutable snapshots; the tracker keeps the
// latest event per step so the status endpoint can render them, guards the
// one-in-flight-batch-per-tenant rule, and carries the cooperative cancel
// flag that the orchestrator polls between batches.
type ImportTracker struct {
	mu       sync.Mutex
	batches  map[uuid.UUID]*batchState
	inflight map[uuid.UUID]uuid.UUID // tenant -> active batch
}

type batchState struct {
	tenantID  uuid.UUID
	cancelled bool
	order     []importer.Step
	latest    map[importer.Step]importer.ProgressEvent
}

func NewImportTracker() *ImportTracker {
	return &ImportTracker{
		batches:  map[uuid.UUID]*batchState{},
		inflight: map[uuid.UUID]uuid.UUID{},
	}
}

// Start registers batchID as the tenant's in-flight import. It fails when
// another import for the tenant is still running, and drops retained
// progress of the tenant's previous finished batches.
func (t *ImportTracker) Start(tenantID, batchID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.inflight[tenantID]; busy {
		return false
	}
	for id, state := range t.batches {
		if state.tenantID == tenantID {
			delete(t.batches, id)
		}
	}
	t.inflight[tenantID] = batchID
	t.batches[batchID] = &batchState{
		tenantID: tenantID,
		latest:   map[importer.Step]importer.ProgressEvent{},
	}
	return true
}

// Finish releases the tenant's in-flight slot; progress stays readable until
// the tenant's next import starts.
func (t *ImportTracker) Finish(tenantID, batchID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[tenantID] == batchID {
		delete(t.inflight, tenantID)
	}
}

// Sink returns the ProgressSink the orchestrator feeds for this batch.
func (t *ImportTracker) Sink(batchID uuid.UUID) importer.ProgressSink {
	return func(ev importer.ProgressEvent) {
		t.mu.Lock()
		defer t.mu.Unlock()
		state, ok := t.batches[batchID]
		if !ok {
			return
		}
		if _, seen := state.latest[ev.Step]; !seen {
			state.order = append(state.order, ev.Step)
		}
		state.latest[ev.Step] = ev
	}
}

// Cancel flips the cooperative flag. It reports whether the batch was known
// and still in flight.
func (t *ImportTracker) Cancel(batchID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.batches[batchID]
	if !ok {
		return false
	}
	if t.inflight[state.tenantID] != batchID {
		return false
	}
	state.cancelled = true
	return true
}

// Cancelled returns the poll function handed to the orchestrator.
func (t *ImportTracker) Cancelled(batchID uuid.UUID) func() bool {
	return func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		state, ok := t.batches[batchID]
		return ok && state.cancelled
	}
}

// Snapshot returns the latest event per step in step order.
func (t *ImportTracker) Snapshot(batchID uuid.UUID) []importer.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.batches[batchID]
	if !ok {
		return nil
	}
	events := make([]importer.ProgressEvent, 0, len(state.order))
	for _, step := range state.order {
		events = append(events, state.latest[step])
	}
	return events
}
