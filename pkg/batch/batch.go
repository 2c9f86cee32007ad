// Package batch runs an operation over a list of items in consecutive chunks
// with per-item error isolation.
package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/racesync/pkg/observability/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultSize is the chunk size used when Options.Size is not positive.
const DefaultSize = 25

// Options configures Process.
type Options struct {
	// Name labels logs and metrics.
	Name string
	// Size is the number of items per chunk.
	Size int
	// Parallel runs the items of a chunk concurrently.
	Parallel bool
	// MaxConcurrency bounds the goroutines of a parallel chunk. Zero means
	// one goroutine per item.
	MaxConcurrency int
	// StopOnFirstError returns as soon as a chunk (or, sequentially, an item)
	// has produced a failure.
	StopOnFirstError bool
	// Limiter throttles item starts across the whole batch.
	Limiter *rate.Limiter
	// Progress is called after every chunk. A non-nil error stops the batch.
	Progress func(context.Context, Progress) error
	Log      logger.Logger
}

func (o Options) normalize() Options {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Name = "batch"
	}
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.MaxConcurrency < 0 {
		o.MaxConcurrency = 0
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	return o
}

// Progress describes the running totals after a chunk.
type Progress struct {
	Chunk      int
	Chunks     int
	Processed  int
	Total      int
	Successful int
	Failed     int
}

// ItemResult is the outcome of one item.
type ItemResult[R any] struct {
	Index int
	Value R
	Err   error
}

// OK reports whether the item succeeded.
func (r ItemResult[R]) OK() bool { return r.Err == nil }

// Result aggregates a batch run. Items holds one entry per processed item in
// input order; it is shorter than the input only when the batch stopped early.
type Result[R any] struct {
	Successful int
	Failed     int
	Items      []ItemResult[R]
	// Stopped is set when processing ended before every item ran.
	Stopped bool
	// Cause records a failure that was not an item failure, e.g. context
	// cancellation or a progress hook error. A hook error on the final chunk
	// sets Cause without Stopped.
	Cause error
}

// Errors returns the failed items.
func (r Result[R]) Errors() []ItemResult[R] {
	var failed []ItemResult[R]
	for _, item := range r.Items {
		if item.Err != nil {
			failed = append(failed, item)
		}
	}
	return failed
}

// Process partitions items into consecutive chunks of opts.Size and applies op
// to each item. A failing or panicking item never aborts its siblings unless
// opts.StopOnFirstError is set.
func Process[T, R any](ctx context.Context, items []T, op func(context.Context, T) (R, error), opts Options) Result[R] {
	opts = opts.normalize()
	log := opts.Log.WithContext(ctx)
	total := len(items)
	chunks := (total + opts.Size - 1) / opts.Size

	result := Result[R]{Items: make([]ItemResult[R], 0, total)}
	for chunk := 0; chunk < chunks; chunk++ {
		if err := ctx.Err(); err != nil {
			result.Stopped = true
			result.Cause = err
			break
		}

		start := chunk * opts.Size
		end := min(start+opts.Size, total)
		var outcomes []ItemResult[R]
		if opts.Parallel {
			outcomes = runParallel(ctx, items[start:end], start, op, opts)
		} else {
			outcomes = runSequential(ctx, items[start:end], start, op, opts)
		}

		chunkFailed := 0
		for _, outcome := range outcomes {
			result.Items = append(result.Items, outcome)
			if outcome.Err != nil {
				result.Failed++
				chunkFailed++
				recordItem(opts.Name, "failed")
				continue
			}
			result.Successful++
			recordItem(opts.Name, "succeeded")
		}

		progress := Progress{
			Chunk:      chunk + 1,
			Chunks:     chunks,
			Processed:  len(result.Items),
			Total:      total,
			Successful: result.Successful,
			Failed:     result.Failed,
		}
		log.Info("batch chunk completed",
			"batch", opts.Name,
			"chunk", progress.Chunk,
			"chunks", progress.Chunks,
			"processed", progress.Processed,
			"total", progress.Total,
			"successful", progress.Successful,
			"failed", progress.Failed,
		)

		var progressErr error
		if opts.Progress != nil {
			progressErr = opts.Progress(ctx, progress)
			if progressErr != nil {
				result.Cause = progressErr
				log.Warn("batch progress hook failed", "batch", opts.Name, "chunk", progress.Chunk, "error", progressErr)
			}
		}
		if opts.StopOnFirstError && chunkFailed > 0 {
			result.Stopped = len(result.Items) < total
			log.Warn("batch stopped on first error", "batch", opts.Name, "processed", len(result.Items), "total", total)
			break
		}
		if progressErr != nil {
			result.Stopped = len(result.Items) < total
			break
		}
	}
	return result
}

func runSequential[T, R any](ctx context.Context, items []T, offset int, op func(context.Context, T) (R, error), opts Options) []ItemResult[R] {
	outcomes := make([]ItemResult[R], 0, len(items))
	for i, item := range items {
		outcome := runItem(ctx, offset+i, item, op, opts.Limiter)
		outcomes = append(outcomes, outcome)
		if opts.StopOnFirstError && outcome.Err != nil {
			break
		}
	}
	return outcomes
}

func runParallel[T, R any](ctx context.Context, items []T, offset int, op func(context.Context, T) (R, error), opts Options) []ItemResult[R] {
	outcomes := make([]ItemResult[R], len(items))
	var g errgroup.Group
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = runItem(ctx, offset+i, item, op, opts.Limiter)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func runItem[T, R any](ctx context.Context, index int, item T, op func(context.Context, T) (R, error), limiter *rate.Limiter) (outcome ItemResult[R]) {
	outcome.Index = index
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome.Err = fmt.Errorf("batch item %d panicked: %v", index, recovered)
		}
	}()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			outcome.Err = fmt.Errorf("batch item %d throttled: %w", index, err)
			return outcome
		}
	}
	value, err := op(ctx, item)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Value = value
	return outcome
}
