package footprint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Worker processes speak newline-delimited JSON on stdin/stdout. The parent
// first sends one WorkerHello, then one tileRequest per tile; the worker
// answers each request with exactly one tileResponse.

// WorkerHello configures a worker process.
type WorkerHello struct {
	WorkerID int    `json:"worker_id"`
	Dataset  string `json:"dataset"`
	Params   Params `json:"params"`
}

type tileRequest struct {
	Tile Tile `json:"tile"`
}

type tileResponse struct {
	TileID     int             `json:"tile_id"`
	Footprints []TileFootprint `json:"footprints,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// maxMessageSize bounds a single protocol line.
const maxMessageSize = 256 << 20

// WorkerFactory builds the processor a worker process serves tiles with.
type WorkerFactory func(hello WorkerHello) (TileProcessor, error)

// NativeWorkerFactory opens the dataset named in the hello and serves it
// with the native engine.
func NativeWorkerFactory(hello WorkerHello) (TileProcessor, error) {
	ds, err := OpenDataset(hello.Dataset)
	if err != nil {
		return nil, err
	}
	return NewTileWorker(ds, NativeEngine{}, hello.Params), nil
}

// ServeWorker runs the worker side of the protocol until r reaches EOF,
// which is how the parent asks a worker to exit. Tile failures are reported
// in the response; only protocol and I/O failures end the loop with an error.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, factory WorkerFactory) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("reading hello: %w", err)
		}
		return nil
	}
	var hello WorkerHello
	if err := json.Unmarshal(sc.Bytes(), &hello); err != nil {
		return fmt.Errorf("decoding hello: %w", err)
	}
	proc, err := factory(hello)
	if err != nil {
		return fmt.Errorf("starting worker %d: %w", hello.WorkerID, err)
	}
	if c, ok := proc.(io.Closer); ok {
		defer c.Close()
	}
	if tw, ok := proc.(*TileWorker); ok {
		defer tw.Dataset.Close()
	}

	for sc.Scan() {
		var req tileRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return fmt.Errorf("decoding request: %w", err)
		}

		resp := tileResponse{TileID: req.Tile.ID}
		fps, err := proc.Process(ctx, req.Tile)
		if err != nil {
			var tpe *TileProcessingError
			if errors.As(err, &tpe) {
				resp.Error = tpe.Err.Error()
			} else {
				resp.Error = err.Error()
			}
		} else {
			resp.Footprints = fps
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encoding response for tile %d: %w", req.Tile.ID, err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("writing response for tile %d: %w", req.Tile.ID, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	return nil
}
