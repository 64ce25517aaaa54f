package store

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// Sink persists one stream as one run, buffering writes in batches of flushSize.
type Sink struct {
	st        Store
	run       *Run
	flushSize int
	records   []decode.DecodedRecord
	groups    []aggregate.BatchGroup
	nextSeq   int
}

// NewSink starts a run for sourceName and returns a sink bound to it.
func NewSink(ctx context.Context, st Store, sourceName, catalogVersion string, flushSize int) (*Sink, error) {
	if flushSize < 1 {
		flushSize = 1000
	}
	run, err := st.StartRun(ctx, sourceName, catalogVersion)
	if err != nil {
		return nil, err
	}
	return &Sink{st: st, run: run, flushSize: flushSize}, nil
}

// SinkFactory returns a stream.SinkFactory that opens one run per source.
func SinkFactory(st Store, catalogVersion string, flushSize int) stream.SinkFactory {
	return func(ctx context.Context, src stream.Source) (stream.StreamSink, error) {
		return NewSink(ctx, st, src.Name, catalogVersion, flushSize)
	}
}

// Run returns the run this sink writes to.
func (s *Sink) Run() *Run {
	return s.run
}

// Record implements stream.Sink.
func (s *Sink) Record(ctx context.Context, rec decode.DecodedRecord) error {
	s.records = append(s.records, rec)
	if len(s.records) >= s.flushSize {
		return s.flushRecords(ctx)
	}
	return nil
}

// Group implements stream.Sink.
func (s *Sink) Group(ctx context.Context, g aggregate.BatchGroup) error {
	s.groups = append(s.groups, g)
	if len(s.groups) >= s.flushSize {
		return s.flushGroups(ctx)
	}
	return nil
}

// Finish flushes pending writes and closes the run as complete or failed.
// It returns an error only if persisting failed, not for streamErr itself.
func (s *Sink) Finish(ctx context.Context, sum stream.Summary, streamErr error) error {
	var flushErr error
	if streamErr == nil {
		if err := s.flushRecords(ctx); err != nil {
			flushErr = err
		} else if err := s.flushGroups(ctx); err != nil {
			flushErr = err
		}
	} else if err := s.flushRecords(ctx); err != nil {
		// Records decoded before the failure are kept when possible.
		zap.L().Warn("store: flush records after stream failure", zap.String("run_id", s.run.ID), zap.Error(err))
	}

	failure := streamErr
	if failure == nil {
		failure = flushErr
	}
	if failure != nil {
		if err := s.st.FailRun(ctx, s.run.ID, sum, failure.Error()); err != nil {
			return eris.Wrapf(err, "store: record failure for run %s", s.run.ID)
		}
		s.run.Status = RunStatusFailed
		return flushErr
	}

	if err := s.st.CompleteRun(ctx, s.run.ID, sum); err != nil {
		return err
	}
	s.run.Status = RunStatusComplete
	return nil
}

func (s *Sink) flushRecords(ctx context.Context) error {
	if len(s.records) == 0 {
		return nil
	}
	if err := s.st.SaveRecords(ctx, s.run.ID, s.records); err != nil {
		return err
	}
	s.records = s.records[:0]
	return nil
}

func (s *Sink) flushGroups(ctx context.Context) error {
	if len(s.groups) == 0 {
		return nil
	}
	if err := s.st.SaveGroups(ctx, s.run.ID, s.nextSeq, s.groups); err != nil {
		return err
	}
	s.nextSeq += len(s.groups)
	s.groups = s.groups[:0]
	return nil
}
