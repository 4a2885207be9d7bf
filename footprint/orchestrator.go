package footprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TileStatus classifies a tile outcome.
type TileStatus string

const (
	TileOK     TileStatus = "ok"
	TileEmpty  TileStatus = "empty"
	TileFailed TileStatus = "failed"
)

// TileOutcome is the result of one tile, delivered to sinks in completion
// order. Err is non-nil only for tile-level failures.
type TileOutcome struct {
	Tile       Tile
	WorkerID   int
	Footprints []TileFootprint
	Err        error
	Duration   time.Duration
}

func (o TileOutcome) Status() TileStatus {
	switch {
	case o.Err != nil:
		return TileFailed
	case len(o.Footprints) == 0:
		return TileEmpty
	default:
		return TileOK
	}
}

// TileSink receives every tile outcome. The orchestrator calls Append from a
// single goroutine, so sinks need no locking of their own for it.
type TileSink interface {
	Append(out TileOutcome) error
}

// MultiSink fans an outcome out to several sinks in order, stopping at the
// first error.
type MultiSink []TileSink

func (m MultiSink) Append(out TileOutcome) error {
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(out); err != nil {
			return err
		}
	}
	return nil
}

// TileFailure records one tile-level failure.
type TileFailure struct {
	TileID int
	Err    error
}

// RunSummary counts what a run did.
type RunSummary struct {
	Total      int
	Succeeded  int
	Empty      int
	Failed     int
	Footprints int
	Failures   []TileFailure
	Elapsed    time.Duration
}

// Completed is the number of tiles with an outcome.
func (s RunSummary) Completed() int { return s.Succeeded + s.Empty + s.Failed }

// HasFailures reports whether any tile failed.
func (s RunSummary) HasFailures() bool { return s.Failed > 0 }

// Orchestrator distributes tiles over a pool of workers and streams their
// outcomes to Sink.
type Orchestrator struct {
	Spawner    Spawner
	PoolSize   int
	Sink       TileSink
	Supervisor *Supervisor // created per run when nil
}

// Run processes every tile exactly once. It returns a summary and nil when
// all tiles produced an outcome, even if some failed at tile level. A worker
// crash or a cancelled ctx aborts the run: every worker is torn down and the
// error (a *WorkerCrashError, or one wrapping ErrAborted) is returned along
// with the partial summary.
func (o *Orchestrator) Run(ctx context.Context, tiles []Tile) (RunSummary, error) {
	start := time.Now()
	summary := RunSummary{Total: len(tiles)}
	if len(tiles) == 0 {
		return summary, nil
	}

	sup := o.Supervisor
	if sup == nil {
		sup = NewSupervisor()
		defer sup.Stop()
	}

	poolSize := o.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize()
	}
	poolSize = min(poolSize, len(tiles))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handles, err := o.spawnPool(runCtx, sup, poolSize)
	if err != nil {
		sup.Teardown(err)
		return summary, err
	}
	Logf("[orchestrator] %d tiles on %d workers", len(tiles), len(handles))

	queue := make(chan Tile)
	outcomes := make(chan TileOutcome)

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range queue {
				t0 := time.Now()
				fps, err := h.Process(runCtx, tile)
				out := TileOutcome{Tile: tile, WorkerID: h.ID(), Footprints: fps, Err: err, Duration: time.Since(t0)}
				select {
				case outcomes <- out:
				case <-runCtx.Done():
					return
				}
				var crash *WorkerCrashError
				if errors.As(err, &crash) {
					return
				}
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, t := range tiles {
			select {
			case queue <- t:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var runErr error
	abort := func(err error) {
		if runErr != nil {
			return
		}
		runErr = err
		cancel()
		n := sup.Teardown(err)
		Logf("[orchestrator] run aborted, %d worker(s) terminated: %v", n, err)
	}

	ctxDone := ctx.Done()
	seen := make(map[int]bool, len(tiles))
loop:
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			abort(fmt.Errorf("%w: %v", ErrAborted, context.Cause(ctx)))
		case out, ok := <-outcomes:
			if !ok {
				break loop
			}
			if runErr != nil {
				continue
			}
			var crash *WorkerCrashError
			if errors.As(out.Err, &crash) {
				abort(crash)
				continue
			}
			if out.Err != nil && runCtx.Err() != nil && errors.Is(out.Err, context.Canceled) {
				continue
			}
			if seen[out.Tile.ID] {
				abort(fmt.Errorf("tile %d delivered twice", out.Tile.ID))
				continue
			}
			seen[out.Tile.ID] = true
			if out.Err != nil {
				var tpe *TileProcessingError
				if !errors.As(out.Err, &tpe) {
					out.Err = &TileProcessingError{TileID: out.Tile.ID, Err: out.Err}
				}
			}
			o.record(&summary, out)
			if o.Sink != nil {
				if err := o.Sink.Append(out); err != nil {
					abort(fmt.Errorf("%w: writing outcome of tile %d: %v", ErrAborted, out.Tile.ID, err))
				}
			}
		}
	}

	summary.Elapsed = time.Since(start)
	if runErr == nil && ctx.Err() != nil && summary.Completed() != len(tiles) {
		abort(fmt.Errorf("%w: %v", ErrAborted, context.Cause(ctx)))
	}
	if runErr == nil && summary.Completed() != len(tiles) {
		abort(fmt.Errorf("%w: %d of %d tiles completed", ErrAborted, summary.Completed(), len(tiles)))
	}
	if runErr != nil {
		sup.Teardown(runErr)
		return summary, runErr
	}

	for _, h := range handles {
		if err := h.Close(); err != nil {
			Logf("[orchestrator] worker %d: %v", h.ID(), err)
		}
		sup.Unregister(h)
	}
	return summary, nil
}

func (o *Orchestrator) spawnPool(ctx context.Context, sup *Supervisor, n int) ([]WorkerHandle, error) {
	handles := make([]WorkerHandle, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range handles {
		g.Go(func() error {
			h, err := o.Spawner.Spawn(gctx, i+1)
			if err != nil {
				return err
			}
			if !sup.Register(h) {
				return fmt.Errorf("%w: pool torn down while starting worker %d", ErrAborted, i+1)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("starting worker pool: %w", err)
	}
	return handles, nil
}

func (o *Orchestrator) record(s *RunSummary, out TileOutcome) {
	switch out.Status() {
	case TileFailed:
		s.Failed++
		s.Failures = append(s.Failures, TileFailure{TileID: out.Tile.ID, Err: out.Err})
		Logf("[orchestrator] %v", out.Err)
	case TileEmpty:
		s.Empty++
	default:
		s.Succeeded++
		s.Footprints += len(out.Footprints)
	}
}
