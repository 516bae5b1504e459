package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence contract the orchestrator needs: conditional
// upsert by natural key, batch insert, and delete-by-batch-id rollback.
// Every entity write stamps import_batch_id on the rows it touches.
type Store interface {
	MarkBatchProcessing(ctx context.Context, tenantID, batchID uuid.UUID) error
	CompleteBatch(ctx context.Context, tenantID, batchID uuid.UUID, status BatchStatus, counts PerEntityCounts, errMsg string) error
	InsertRawRows(ctx context.Context, tenantID, batchID uuid.UUID, headers []string, rows [][]string, startRow int) error
	UpsertBranches(ctx context.Context, tenantID, batchID uuid.UUID, branches []Branch) error
	UpsertRoutes(ctx context.Context, tenantID, batchID uuid.UUID, routes []Route) error
	UpsertCustomers(ctx context.Context, tenantID, batchID uuid.UUID, customers []Customer) error
	UpsertVisits(ctx context.Context, tenantID, batchID uuid.UUID, visits []Visit) error
	DeleteEntitiesByBatch(ctx context.Context, tenantID, batchID uuid.UUID) error
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

type Config struct {
	BatchSize  int
	Workers    int
	MaxRetries uint64
	RetryBase  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 250
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Orchestrator executes the dual-write: one raw snapshot write, then four
// ordered entity syncs. It holds no mutable progress state; it only emits
// immutable ProgressEvent snapshots to the sink.
type Orchestrator struct {
	store  Store
	logger *slog.Logger
	cfg    Config
}

func NewOrchestrator(store Store, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{store: store, logger: logger, cfg: cfg.withDefaults()}
}

// Run persists the upload and the extracted entities for one batch.
//
// Step order is fixed: raw_backup, branches, routes, customers, visits.
// Routes reference branch codes and visits reference route and customer
// keys, so entities are never parallelized across steps; within one step
// batches are written concurrently by a bounded pool. cancelled is polled
// before each batch, never mid-batch. On cancellation or a fatal write
// error every entity row stamped with this batch id is deleted; the raw
// snapshot is never rolled back.
func (o *Orchestrator) Run(ctx context.Context, batch *ImportBatch, upload RawUpload, set *EntitySet, sink ProgressSink, cancelled func() bool) (PerEntityCounts, error) {
	if sink == nil {
		sink = func(ProgressEvent) {}
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	if err := o.store.MarkBatchProcessing(ctx, batch.TenantID, batch.ID); err != nil {
		return PerEntityCounts{}, fmt.Errorf("mark batch processing: %w", err)
	}

	steps := []struct {
		step  Step
		total int
		write func(ctx context.Context, lo, hi int) error
	}{
		{StepRawBackup, len(upload.Rows), func(ctx context.Context, lo, hi int) error {
			return o.store.InsertRawRows(ctx, batch.TenantID, batch.ID, upload.Headers, upload.Rows[lo:hi], lo)
		}},
		{StepBranches, len(set.Branches), func(ctx context.Context, lo, hi int) error {
			return o.store.UpsertBranches(ctx, batch.TenantID, batch.ID, set.Branches[lo:hi])
		}},
		{StepRoutes, len(set.Routes), func(ctx context.Context, lo, hi int) error {
			return o.store.UpsertRoutes(ctx, batch.TenantID, batch.ID, set.Routes[lo:hi])
		}},
		{StepCustomers, len(set.Customers), func(ctx context.Context, lo, hi int) error {
			return o.store.UpsertCustomers(ctx, batch.TenantID, batch.ID, set.Customers[lo:hi])
		}},
		{StepVisits, len(set.Visits), func(ctx context.Context, lo, hi int) error {
			return o.store.UpsertVisits(ctx, batch.TenantID, batch.ID, set.Visits[lo:hi])
		}},
	}

	for _, s := range steps {
		err := o.syncStep(ctx, s.step, s.total, s.write, sink, cancelled)
		if err == nil {
			continue
		}
		if err == ErrCancelled || ctx.Err() != nil {
			o.abort(ctx, batch, BatchCancelled, s.step, ErrCancelled)
			return PerEntityCounts{}, ErrCancelled
		}
		return PerEntityCounts{}, o.abort(ctx, batch, BatchError, s.step, err)
	}

	counts := set.Counts()
	// Status and history writes must survive a dying request context.
	finalCtx := context.WithoutCancel(ctx)
	if err := o.store.CompleteBatch(finalCtx, batch.TenantID, batch.ID, BatchComplete, counts, ""); err != nil {
		o.logger.Error("complete import batch", "batch_id", batch.ID, "error", err)
	}
	if err := o.store.AppendHistory(finalCtx, HistoryEntry{
		ID:          uuid.New(),
		TenantID:    batch.TenantID,
		FileName:    batch.FileName,
		UploadDate:  batch.StartedAt,
		RecordCount: batch.RawRowCount,
		Uploader:    batch.Uploader,
		Type:        "ROUTE",
		Stats:       counts,
	}); err != nil {
		o.logger.Error("append import history", "batch_id", batch.ID, "error", err)
	}
	return counts, nil
}

// abort rolls back every entity row written for this batch id and records
// the terminal status. The raw snapshot is left intact for manual recovery.
func (o *Orchestrator) abort(ctx context.Context, batch *ImportBatch, status BatchStatus, step Step, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)

	fatal := &FatalWriteError{BatchID: batch.ID.String(), Step: step, Err: cause}
	if err := o.store.DeleteEntitiesByBatch(cleanupCtx, batch.TenantID, batch.ID); err != nil {
		fatal.RollbackFailed = true
		fatal.RollbackErr = err
		o.logger.Error("rollback failed, manual cleanup required",
			"batch_id", batch.ID, "step", step, "error", err)
	}

	msg := ""
	if status == BatchError {
		msg = fatal.Error()
	} else if fatal.RollbackFailed {
		msg = fmt.Sprintf("cancelled; rollback failed: manual cleanup required for batch %s", batch.ID)
	}
	if err := o.store.CompleteBatch(cleanupCtx, batch.TenantID, batch.ID, status, PerEntityCounts{}, msg); err != nil {
		o.logger.Error("record terminal batch status", "batch_id", batch.ID, "status", status, "error", err)
	}

	if status == BatchCancelled && !fatal.RollbackFailed {
		return ErrCancelled
	}
	return fatal
}

func (o *Orchestrator) syncStep(ctx context.Context, step Step, total int, write func(ctx context.Context, lo, hi int) error, sink ProgressSink, cancelled func() bool) error {
	if total == 0 {
		sink(ProgressEvent{Step: step, StepName: stepNames[step], Percent: 100})
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	// The increment and the emit happen under one lock so concurrent workers
	// cannot interleave them and deliver a lower count after a higher one.
	var progressMu sync.Mutex
	done := 0
	stopped := false

	for lo := 0; lo < total; lo += o.cfg.BatchSize {
		if cancelled() {
			stopped = true
			break
		}
		if gctx.Err() != nil {
			break
		}
		lo := lo
		hi := min(lo+o.cfg.BatchSize, total)
		g.Go(func() error {
			if err := o.writeWithRetry(gctx, step, lo, hi, write); err != nil {
				return err
			}
			progressMu.Lock()
			done += hi - lo
			sink(ProgressEvent{
				Step:         step,
				StepName:     stepNames[step],
				Percent:      done * 100 / total,
				CurrentCount: done,
				TotalCount:   total,
			})
			progressMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if stopped {
		return ErrCancelled
	}
	return nil
}

// writeWithRetry retries a single batch write with exponential backoff while
// the store reports the failure as transient; anything else, or an exhausted
// ceiling, surfaces to the caller and ends the import.
func (o *Orchestrator) writeWithRetry(ctx context.Context, step Step, lo, hi int, write func(ctx context.Context, lo, hi int) error) error {
	backoff := retry.WithMaxRetries(o.cfg.MaxRetries, retry.NewExponential(o.cfg.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := write(ctx, lo, hi)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			o.logger.Warn("transient batch write failure",
				"step", step, "rows", fmt.Sprintf("%d-%d", lo, hi), "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s rows %d-%d: %w", step, lo, hi, err)
	}
	return nil
}
