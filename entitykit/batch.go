package entitykit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// MutationKind identifies the remote operation a batch item performs.
type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MutationRequest is a single item inside a batch job.
type MutationRequest struct {
	Kind MutationKind

	// ID targets updates and deletes. For creates it may be left empty; a
	// provisional id is assigned so failures remain addressable.
	ID string

	// Patch carries the fields to create or update.
	Patch map[string]any
}

// BatchItemError records one failed item with its reason.
type BatchItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult aggregates a completed batch run. Partial failure is the normal
// case: failed items never abort siblings or later chunks.
type BatchResult struct {
	JobID           string           `json:"job_id"`
	Successful      []string         `json:"successful"`
	Failed          []BatchItemError `json:"failed"`
	TotalProcessed  int              `json:"total_processed"`
	TotalSuccessful int              `json:"total_successful"`
	TotalFailed     int              `json:"total_failed"`
	Duration        time.Duration    `json:"duration"`
}

// BatchProgress is the snapshot emitted after each completed chunk.
type BatchProgress struct {
	Current      int     `json:"current"`
	Total        int     `json:"total"`
	Percentage   float64 `json:"percentage"`
	CurrentBatch int     `json:"current_batch"`
	TotalBatches int     `json:"total_batches"`

	// EstimatedTimeRemaining is derived from observed throughput
	// (processed / elapsed). Zero until at least one item has completed.
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// RunOptions configures a batch run.
type RunOptions struct {
	// BatchSize is the chunk size. Required, must be positive.
	BatchSize int

	// Progress, when non-nil, receives one snapshot per completed chunk.
	// The executor blocks on delivery, so callers should buffer or drain it;
	// delivery is abandoned if the run context ends first.
	Progress chan<- BatchProgress
}

// BatchExecutor executes large mutation sets against the remote store in
// controlled chunks: chunks run sequentially, items within a chunk run
// concurrently, and per-item failures are collected rather than raised.
// It never applies optimistic updates itself; single-item speculation is the
// Coordinator's job.
type BatchExecutor struct {
	remote  RemoteStore
	cache   *CacheHandle
	table   string
	logger  *slog.Logger
	metrics MetricsCollector
	now     func() time.Time
}

// NewBatchExecutor creates an executor bound to a table and cache handle.
func NewBatchExecutor(remote RemoteStore, cache *CacheHandle, table string, logger *slog.Logger, metrics MetricsCollector) *BatchExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &BatchExecutor{
		remote:  remote,
		cache:   cache,
		table:   table,
		logger:  logger.With(slog.String("component", "batch")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run executes items in chunks of opts.BatchSize. Only structural failures
// (misconfiguration) return an error; item failures land in result.Failed.
// Cancellation is honored before each chunk, including the first; items
// already dispatched within a chunk run to completion.
func (x *BatchExecutor) Run(ctx context.Context, items []MutationRequest, opts RunOptions) (*BatchResult, error) {
	const op = kiterr.Op("batch.Run")

	if x.remote == nil {
		return nil, kiterr.E(op, kiterr.Component("batch"), kiterr.KindInvalid, "remote store is required")
	}
	if opts.BatchSize < 1 {
		return nil, kiterr.E(op, kiterr.Component("batch"), kiterr.KindInvalid, "batch size must be positive")
	}

	result := &BatchResult{JobID: uuid.NewString()}
	if len(items) == 0 {
		// No remote calls, no progress events.
		return result, nil
	}

	start := x.now()
	total := len(items)
	totalBatches := (total + opts.BatchSize - 1) / opts.BatchSize

	x.logger.Info("starting batch run",
		"job_id", result.JobID,
		"items", total,
		"batch_size", opts.BatchSize,
		"total_batches", totalBatches)

	// Dispatched items must settle even if the caller cancels between chunks.
	itemCtx := context.WithoutCancel(ctx)

	processed := 0
	for chunkIdx := 0; chunkIdx < totalBatches; chunkIdx++ {
		if err := ctx.Err(); err != nil {
			x.logger.Warn("batch run canceled",
				"job_id", result.JobID,
				"processed", processed,
				"total", total)
			x.finish(result, start, processed)
			return result, kiterr.FromContext(err, op, "batch")
		}

		lo := chunkIdx * opts.BatchSize
		hi := lo + opts.BatchSize
		if hi > total {
			hi = total
		}
		chunk := items[lo:hi]

		x.runChunk(itemCtx, chunk, result)
		processed += len(chunk)

		if opts.Progress != nil {
			snapshot := x.progressSnapshot(processed, total, chunkIdx+1, totalBatches, start)
			select {
			case opts.Progress <- snapshot:
			case <-ctx.Done():
			}
		}
	}

	x.finish(result, start, processed)
	x.logger.Info("batch run completed",
		"job_id", result.JobID,
		"successful", result.TotalSuccessful,
		"failed", result.TotalFailed,
		"duration", result.Duration)

	// Membership may have changed for any successful item; list/count views
	// for the table are recomputed lazily.
	if x.cache != nil && result.TotalSuccessful > 0 {
		x.cache.InvalidateAffected(x.table, nil, true)
	}
	return result, nil
}

// runChunk dispatches every item of the chunk concurrently and waits for all
// of them. Failures are isolated per item.
func (x *BatchExecutor) runChunk(ctx context.Context, chunk []MutationRequest, result *BatchResult) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range chunk {
		item := chunk[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := x.runItem(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, BatchItemError{ID: item.ID, Error: itemErrorReason(err)})
				return
			}
			result.Successful = append(result.Successful, item.ID)
		}()
	}
	wg.Wait()
}

func (x *BatchExecutor) runItem(ctx context.Context, item MutationRequest) error {
	switch item.Kind {
	case MutationCreate:
		fields := item.Patch
		if fields == nil {
			fields = map[string]any{}
		}
		if _, ok := fields["id"]; !ok {
			fields["id"] = item.ID
		}
		_, err := x.remote.Create(ctx, x.table, fields)
		return err
	case MutationUpdate:
		_, err := x.remote.Update(ctx, x.table, item.ID, item.Patch)
		return err
	case MutationDelete:
		return x.remote.Delete(ctx, x.table, item.ID)
	default:
		return kiterr.E(kiterr.Op("batch.runItem"), kiterr.Component("batch"),
			kiterr.KindInvalid, "unknown mutation kind")
	}
}

func (x *BatchExecutor) progressSnapshot(processed, total, currentBatch, totalBatches int, start time.Time) BatchProgress {
	p := BatchProgress{
		Current:      processed,
		Total:        total,
		Percentage:   float64(processed) / float64(total) * 100,
		CurrentBatch: currentBatch,
		TotalBatches: totalBatches,
	}
	if processed > 0 {
		elapsed := x.now().Sub(start)
		if elapsed > 0 {
			throughput := float64(processed) / elapsed.Seconds()
			if throughput > 0 {
				p.EstimatedTimeRemaining = time.Duration(float64(total-processed) / throughput * float64(time.Second))
			}
		}
	}
	return p
}

func (x *BatchExecutor) finish(result *BatchResult, start time.Time, processed int) {
	result.TotalProcessed = processed
	result.TotalSuccessful = len(result.Successful)
	result.TotalFailed = len(result.Failed)
	result.Duration = x.now().Sub(start)
	x.metrics.RecordBatch(result.Duration, result.TotalSuccessful, result.TotalFailed)
}

// itemErrorReason strips the structured wrapping down to the remote's reason
// so batch reports stay readable per item.
func itemErrorReason(err error) string {
	var ke *kiterr.KitError
	for e := err; e != nil; {
		k, ok := e.(*kiterr.KitError)
		if !ok {
			break
		}
		ke = k
		e = k.Err
	}
	if ke != nil {
		if ke.Message != "" {
			return ke.Message
		}
		if ke.Err != nil {
			return ke.Err.Error()
		}
	}
	return err.Error()
}
