package stream

import (
	"context"
	"errors"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
)

// Collector keeps everything a stream produced in memory.
type Collector struct {
	Records []decode.DecodedRecord
	Groups  []aggregate.BatchGroup
	Summary Summary
	Err     error
}

// Record implements Sink.
func (c *Collector) Record(_ context.Context, rec decode.DecodedRecord) error {
	c.Records = append(c.Records, rec)
	return nil
}

// Group implements Sink.
func (c *Collector) Group(_ context.Context, g aggregate.BatchGroup) error {
	c.Groups = append(c.Groups, g)
	return nil
}

// Finish implements StreamSink.
func (c *Collector) Finish(_ context.Context, sum Summary, streamErr error) error {
	c.Summary, c.Err = sum, streamErr
	return nil
}

// Tee fans every call out to each sink in order and stops at the first error.
type Tee []StreamSink

// Record implements Sink.
func (t Tee) Record(ctx context.Context, rec decode.DecodedRecord) error {
	for _, s := range t {
		if err := s.Record(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Group implements Sink.
func (t Tee) Group(ctx context.Context, g aggregate.BatchGroup) error {
	for _, s := range t {
		if err := s.Group(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// Finish implements StreamSink. Every sink is finished even if an earlier one fails.
func (t Tee) Finish(ctx context.Context, sum Summary, streamErr error) error {
	var errs []error
	for _, s := range t {
		if err := s.Finish(ctx, sum, streamErr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TeeFactory opens one sink per factory for each stream and fans out to all
// of them. If a later factory fails, the sinks already opened are finished
// with that error.
func TeeFactory(factories ...SinkFactory) SinkFactory {
	return func(ctx context.Context, src Source) (StreamSink, error) {
		tee := make(Tee, 0, len(factories))
		for _, f := range factories {
			s, err := f(ctx, src)
			if err != nil {
				_ = tee.Finish(ctx, Summary{SourceID: src.ID}, err)
				return nil, err
			}
			tee = append(tee, s)
		}
		return tee, nil
	}
}
