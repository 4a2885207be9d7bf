package footprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var errWorkerKilled = errors.New("worker killed")

// InProcessSpawner runs workers as goroutines inside the coordinator. Each
// worker gets its own TileProcessor from New, so nothing is shared between
// workers except what New chooses to share.
type InProcessSpawner struct {
	New func(id int) (TileProcessor, error)
}

// NativeInProcessSpawner opens the dataset separately for every worker.
func NativeInProcessSpawner(dataset string, params Params) *InProcessSpawner {
	return &InProcessSpawner{New: func(id int) (TileProcessor, error) {
		return NativeWorkerFactory(WorkerHello{WorkerID: id, Dataset: dataset, Params: params})
	}}
}

func (s *InProcessSpawner) Spawn(ctx context.Context, id int) (WorkerHandle, error) {
	proc, err := s.New(id)
	if err != nil {
		return nil, fmt.Errorf("starting worker %d: %w", id, err)
	}
	return &inProcessWorker{id: id, proc: proc}, nil
}

type inProcessWorker struct {
	id   int
	proc TileProcessor

	mu     sync.Mutex
	killed bool
	closed bool
}

func (w *inProcessWorker) ID() int  { return w.id }
func (w *inProcessWorker) PID() int { return 0 }

func (w *inProcessWorker) Process(ctx context.Context, tile Tile) (fps []TileFootprint, err error) {
	w.mu.Lock()
	killed := w.killed
	w.mu.Unlock()
	if killed {
		return nil, &WorkerCrashError{WorkerID: w.id, TileID: tile.ID, Err: errWorkerKilled}
	}

	defer func() {
		if r := recover(); r != nil {
			fps = nil
			err = &TileProcessingError{TileID: tile.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return w.proc.Process(ctx, tile)
}

func (w *inProcessWorker) release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if tw, ok := w.proc.(*TileWorker); ok {
		return tw.Dataset.Close()
	}
	if c, ok := w.proc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (w *inProcessWorker) Close() error { return w.release() }

// Kill marks the worker dead. A goroutine cannot be stopped from outside, so
// a tile already running finishes, but its caller's context is cancelled and
// no further tile is accepted.
func (w *inProcessWorker) Kill() error {
	w.mu.Lock()
	w.killed = true
	w.mu.Unlock()
	return w.release()
}
