package handlers

import (
	"testing"

	"github.com/google/uuid"

	"github.com/routeops-platform/api/internal/importer"
)

func TestImportTrackerOneInflightPerTenant(t *testing.T) {
	tracker := NewImportTracker()
	tenant := uuid.New()
	first := uuid.New()

	if !tracker.Start(tenant, first) {
		t.Fatal("first start rejected")
	}
	if tracker.Start(tenant, uuid.New()) {
		t.Fatal("second concurrent start for the same tenant must be rejected")
	}
	if !tracker.Start(uuid.New(), uuid.New()) {
		t.Fatal("other tenants must not be blocked")
	}

	tracker.Finish(tenant, first)
	if !tracker.Start(tenant, uuid.New()) {
		t.Fatal("start after finish rejected")
	}
}

func TestImportTrackerSnapshotKeepsLatestPerStep(t *testing.T) {
	tracker := NewImportTracker()
	tenant, batch := uuid.New(), uuid.New()
	tracker.Start(tenant, batch)

	sink := tracker.Sink(batch)
	sink(importer.ProgressEvent{Step: importer.StepRawBackup, Percent: 50, CurrentCount: 2, TotalCount: 4})
	sink(importer.ProgressEvent{Step: importer.StepRawBackup, Percent: 100, CurrentCount: 4, TotalCount: 4})
	sink(importer.ProgressEvent{Step: importer.StepBranches, Percent: 100, CurrentCount: 1, TotalCount: 1})

	events := tracker.Snapshot(batch)
	if len(events) != 2 {
		t.Fatalf("snapshot: got %d events, want 2", len(events))
	}
	if events[0].Step != importer.StepRawBackup || events[0].Percent != 100 {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Step != importer.StepBranches {
		t.Errorf("second event: %+v", events[1])
	}
}

func TestImportTrackerProgressReadableAfterFinish(t *testing.T) {
	tracker := NewImportTracker()
	tenant, batch := uuid.New(), uuid.New()
	tracker.Start(tenant, batch)
	tracker.Sink(batch)(importer.ProgressEvent{Step: importer.StepVisits, Percent: 100})
	tracker.Finish(tenant, batch)

	if events := tracker.Snapshot(batch); len(events) != 1 {
		t.Fatalf("finished batch progress dropped: %d events", len(events))
	}

	// Starting the tenant's next import purges the old batch.
	tracker.Start(tenant, uuid.New())
	if events := tracker.Snapshot(batch); events != nil {
		t.Fatalf("old batch progress retained: %v", events)
	}
}

func TestImportTrackerCancel(t *testing.T) {
	tracker := NewImportTracker()
	tenant, batch := uuid.New(), uuid.New()
	tracker.Start(tenant, batch)

	cancelled := tracker.Cancelled(batch)
	if cancelled() {
		t.Fatal("fresh batch reported cancelled")
	}
	if !tracker.Cancel(batch) {
		t.Fatal("cancel of running batch rejected")
	}
	if !cancelled() {
		t.Fatal("cancel flag not observed")
	}

	tracker.Finish(tenant, batch)
	if tracker.Cancel(batch) {
		t.Fatal("cancel after finish must report not running")
	}
	if tracker.Cancel(uuid.New()) {
		t.Fatal("cancel of unknown batch must report not running")
	}
}
