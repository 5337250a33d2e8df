// Package worker runs one queue runner per consumed lane.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Handlers maps each lane to the handler of its jobs.
type Handlers map[queue.Lane]queue.Handler

// ReaderFactory opens the message reader of a lane.
type ReaderFactory func(lane queue.Lane) (queue.MessageReader, error)

// RecorderFactory returns the metrics recorder of a lane.
type RecorderFactory func(lane queue.Lane) metrics.Recorder

// Options configures the runners.
type Options struct {
	Workers    int
	JobTimeout time.Duration
}

// Worker owns the lane runners.
type Worker struct {
	runners []*queue.Runner
	log     *zap.Logger
}

// New builds a runner for each lane. A lane without a handler is an error.
func New(lanes []queue.Lane, handlers Handlers, newReader ReaderFactory, recorders RecorderFactory, enq queue.Enqueuer, opts Options, clk clock.Clock, log *zap.Logger) (*Worker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{log: log}
	for _, lane := range lanes {
		h, ok := handlers[lane]
		if !ok {
			w.Close()
			return nil, fmt.Errorf("no handler for lane %s", lane)
		}
		reader, err := newReader(lane)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to open reader for lane %s: %w", lane, err)
		}
		var rec metrics.Recorder
		if recorders != nil {
			rec = recorders(lane)
		}
		cfg := queue.RunnerConfig{
			Lane:       lane,
			Workers:    opts.Workers,
			JobTimeout: opts.JobTimeout,
		}
		w.runners = append(w.runners, queue.NewRunner(cfg, reader, h, enq, rec, clk, log))
	}
	return w, nil
}

// Run runs every lane until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range w.runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return g.Wait()
}

// Close closes every lane reader.
func (w *Worker) Close() {
	for _, r := range w.runners {
		if err := r.Close(); err != nil {
			w.log.Warn("Failed to close lane reader", zap.Error(err))
		}
	}
}
