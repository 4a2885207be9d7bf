package footprint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// workerExitGrace is how long Close waits for a worker to exit on its own
// before killing it.
const workerExitGrace = 5 * time.Second

// ProcessSpawner starts workers as child processes of the current binary
// (or any executable that calls ServeWorker).
type ProcessSpawner struct {
	Executable string   // defaults to os.Executable()
	Args       []string // arguments selecting worker mode, e.g. {"--worker"}
	Env        []string // full environment; nil inherits the parent's
	Dataset    string
	Params     Params
	Stderr     io.Writer // defaults to os.Stderr
}

// Spawn starts one worker process and sends it its hello message.
func (s *ProcessSpawner) Spawn(ctx context.Context, id int) (WorkerHandle, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
	}

	// Plain *os.File pipes: exec then copies nothing, and Wait never touches
	// our ends, so a background Wait can run while we read.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd := exec.Command(exe, s.Args...)
	cmd.Env = s.Env
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = workerSysProcAttr()

	w := &processWorker{
		id:      id,
		cmd:     cmd,
		stdin:   parentOut,
		stdout:  parentIn,
		scanner: bufio.NewScanner(parentIn),
		exited:  make(chan struct{}),
	}
	w.scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	err = startPinned(w)
	childIn.Close()
	childOut.Close()
	if err != nil {
		parentOut.Close()
		parentIn.Close()
		return nil, fmt.Errorf("starting worker %d: %w", id, err)
	}

	hello := WorkerHello{WorkerID: id, Dataset: s.Dataset, Params: s.Params}
	if err := w.send(hello); err != nil {
		_ = w.Kill()
		return nil, fmt.Errorf("sending hello to worker %d: %w", id, err)
	}
	return w, nil
}

// startPinned starts w.cmd from a goroutine locked to its OS thread and reaps
// it on that same thread. The kernel delivers the parent-death signal when
// the thread that forked the child exits, not the process, so the thread
// must stay alive until the worker is gone.
func startPinned(w *processWorker) error {
	started := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		if err := w.cmd.Start(); err != nil {
			runtime.UnlockOSThread()
			started <- err
			return
		}
		started <- nil
		w.waitErr = w.cmd.Wait()
		close(w.exited)
		// Returning while locked retires the thread.
	}()
	return <-started
}

type processWorker struct {
	id      int
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	scanner *bufio.Scanner

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (w *processWorker) ID() int  { return w.id }
func (w *processWorker) PID() int { return w.cmd.Process.Pid }

// Exited reports whether the process has been reaped.
func (w *processWorker) Exited() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

func (w *processWorker) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.stdin.Write(append(data, '\n'))
	return err
}

type readResult struct {
	resp tileResponse
	err  error
}

// Process sends one tile and waits for its response. A broken pipe, an
// unreadable response or an early exit is a crash of the worker.
func (w *processWorker) Process(ctx context.Context, tile Tile) ([]TileFootprint, error) {
	if err := w.send(tileRequest{Tile: tile}); err != nil {
		return nil, w.crash(tile, fmt.Errorf("sending request: %w", err))
	}

	results := make(chan readResult, 1)
	go func() {
		var r readResult
		if w.scanner.Scan() {
			r.err = json.Unmarshal(w.scanner.Bytes(), &r.resp)
		} else if err := w.scanner.Err(); err != nil {
			r.err = err
		} else {
			r.err = io.EOF
		}
		results <- r
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-results:
		if r.err != nil {
			return nil, w.crash(tile, r.err)
		}
		if r.resp.TileID != tile.ID {
			return nil, w.crash(tile, fmt.Errorf("response for tile %d, expected %d", r.resp.TileID, tile.ID))
		}
		if r.resp.Error != "" {
			return nil, &TileProcessingError{TileID: tile.ID, Err: errors.New(r.resp.Error)}
		}
		return r.resp.Footprints, nil
	}
}

// crash builds the error for a worker that stopped answering, including the
// exit status when the process is already gone.
func (w *processWorker) crash(tile Tile, cause error) error {
	if errors.Is(cause, io.EOF) {
		select {
		case <-w.exited:
			if w.waitErr != nil {
				cause = fmt.Errorf("worker exited: %w", w.waitErr)
			} else {
				cause = errors.New("worker exited with status 0 before answering")
			}
		case <-time.After(time.Second):
			cause = errors.New("worker closed its output")
		}
	}
	return &WorkerCrashError{WorkerID: w.id, PID: w.PID(), TileID: tile.ID, Err: cause}
}

// Close closes the worker's stdin, which makes ServeWorker return, and waits
// for a clean exit. Workers that linger are killed.
func (w *processWorker) Close() error {
	w.closeOnce.Do(func() { w.stdin.Close() })
	select {
	case <-w.exited:
	case <-time.After(workerExitGrace):
		return w.Kill()
	}
	w.stdout.Close()
	if w.waitErr != nil {
		return fmt.Errorf("worker %d exited: %w", w.id, w.waitErr)
	}
	return nil
}

// Kill terminates the process and waits until it has been reaped.
func (w *processWorker) Kill() error {
	w.closeOnce.Do(func() { w.stdin.Close() })
	select {
	case <-w.exited:
	default:
		if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing worker %d: %w", w.id, err)
		}
		<-w.exited
	}
	w.stdout.Close()
	return nil
}
