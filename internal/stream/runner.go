package stream

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source is one independent input stream.
type Source struct {
	ID   string
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// StreamSink is a Sink scoped to one stream. Finish is called exactly once
// after the stream ends, with the stream's error if it failed.
type StreamSink interface {
	Sink
	Finish(ctx context.Context, sum Summary, streamErr error) error
}

// SinkFactory opens the sink for one stream.
type SinkFactory func(ctx context.Context, src Source) (StreamSink, error)

// Result is the outcome of one stream.
type Result struct {
	Source   Source
	Summary  Summary
	Err      error
	Duration time.Duration
}

// Runner processes many streams concurrently. Each stream is processed
// sequentially by its own goroutine with its own aggregator; a failing stream
// never affects the others.
type Runner struct {
	proc        *Processor
	sinks       SinkFactory
	concurrency int
}

// NewRunner creates a Runner. A concurrency below 1 processes one stream at a time.
func NewRunner(proc *Processor, sinks SinkFactory, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{proc: proc, sinks: sinks, concurrency: concurrency}
}

// Run processes every source and returns one Result per source, in input
// order. Cancellation is observed before each stream starts; a stream that has
// started runs to completion.
func (r *Runner) Run(ctx context.Context, sources []Source) []Result {
	log := zap.L().With(zap.String("component", "stream.runner"))
	log.Info("processing streams",
		zap.Int("streams", len(sources)),
		zap.Int("concurrency", r.concurrency),
	)

	results := make([]Result, len(sources))
	var succeeded, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = r.runOne(ctx, src)
			if results[i].Err != nil {
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}
			return nil // one stream never aborts the rest
		})
	}
	_ = g.Wait()

	log.Info("streams complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return results
}

func (r *Runner) runOne(ctx context.Context, src Source) (res Result) {
	res = Result{Source: src, Summary: newSummary(src.ID)}
	log := zap.L().With(zap.String("component", "stream.runner"), zap.String("source", src.Name))

	if err := ctx.Err(); err != nil {
		res.Err = err
		log.Warn("stream not started", zap.Error(err))
		return res
	}

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	sink, err := r.sinks(ctx, src)
	if err != nil {
		res.Err = err
		log.Error("open sink failed", zap.Error(err))
		return res
	}

	// Once started, the stream finishes even if ctx is cancelled meanwhile.
	sctx := context.WithoutCancel(ctx)

	rc, err := src.Open(sctx)
	if err == nil {
		res.Summary, res.Err = r.proc.Process(sctx, src.ID, rc, sink)
		if cerr := rc.Close(); cerr != nil && res.Err == nil {
			res.Err = cerr
		}
	} else {
		res.Err = err
	}

	if ferr := sink.Finish(sctx, res.Summary, res.Err); ferr != nil {
		log.Error("finish sink failed", zap.Error(ferr))
		if res.Err == nil {
			res.Err = ferr
		}
	}

	if res.Err != nil {
		log.Error("stream failed", zap.Error(res.Err), zap.Int("records", res.Summary.TotalRecords))
		return res
	}
	log.Info("stream complete",
		zap.Int("records", res.Summary.TotalRecords),
		zap.Int("groups", res.Summary.Groups),
		zap.Int("warnings", res.Summary.TotalWarnings),
	)
	return res
}
