package footprint

import (
	"context"
	"sort"
	"sync"
)

// WorkerHandle is one live worker of the pool.
type WorkerHandle interface {
	ID() int
	// PID is the OS process id, or 0 for in-process workers.
	PID() int
	// Process runs one tile. A *WorkerCrashError means the worker is gone.
	Process(ctx context.Context, tile Tile) ([]TileFootprint, error)
	// Close asks the worker to exit after its current tile.
	Close() error
	// Kill terminates the worker immediately and waits for it to exit.
	Kill() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, id int) (WorkerHandle, error)
}

type supervisorOp int

const (
	opRegister supervisorOp = iota
	opUnregister
	opTeardown
	opCount
)

type supervisorMsg struct {
	op     supervisorOp
	handle WorkerHandle
	reason error
	reply  chan int
}

// Supervisor owns the set of live workers. Every change to that set, and
// every termination request, is a message handled by one goroutine, so a
// teardown triggered by a crash and one triggered by a signal cannot race.
// After a teardown the supervisor refuses new registrations and kills any
// worker offered to it.
type Supervisor struct {
	msgs     chan supervisorMsg
	done     chan struct{}
	stopOnce sync.Once
}

// NewSupervisor starts the supervisor loop. Call Stop when the pool is gone.
func NewSupervisor() *Supervisor {
	s := &Supervisor{
		msgs: make(chan supervisorMsg),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Supervisor) loop() {
	live := make(map[int]WorkerHandle)
	tornDown := false

	for {
		select {
		case <-s.done:
			return
		case m := <-s.msgs:
			switch m.op {
			case opRegister:
				if tornDown {
					go func(h WorkerHandle) { _ = h.Kill() }(m.handle)
					m.reply <- 0
					continue
				}
				live[m.handle.ID()] = m.handle
				m.reply <- 1
			case opUnregister:
				delete(live, m.handle.ID())
				m.reply <- len(live)
			case opCount:
				m.reply <- len(live)
			case opTeardown:
				n := len(live)
				if n > 0 {
					Logf("[supervisor] tearing down %d worker(s): %v", n, m.reason)
				}
				killAll(live)
				live = make(map[int]WorkerHandle)
				tornDown = true
				m.reply <- n
			}
		}
	}
}

// killAll terminates every worker concurrently and waits for all of them.
func killAll(live map[int]WorkerHandle) {
	ids := make([]int, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var wg sync.WaitGroup
	for _, id := range ids {
		h := live[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Kill(); err != nil {
				Logf("[supervisor] killing worker %d (pid %d): %v", h.ID(), h.PID(), err)
			}
		}()
	}
	wg.Wait()
}

func (s *Supervisor) send(m supervisorMsg) (int, bool) {
	m.reply = make(chan int, 1)
	select {
	case s.msgs <- m:
		return <-m.reply, true
	case <-s.done:
		return 0, false
	}
}

// Register adds a worker to the live set. It returns false, and kills the
// worker, when the pool has already been torn down.
func (s *Supervisor) Register(h WorkerHandle) bool {
	n, ok := s.send(supervisorMsg{op: opRegister, handle: h})
	if !ok {
		_ = h.Kill()
		return false
	}
	return n == 1
}

// Unregister removes a worker that exited cleanly.
func (s *Supervisor) Unregister(h WorkerHandle) {
	s.send(supervisorMsg{op: opUnregister, handle: h})
}

// Teardown kills every live worker and blocks until they have exited. It is
// idempotent and returns the number of workers it killed.
func (s *Supervisor) Teardown(reason error) int {
	n, _ := s.send(supervisorMsg{op: opTeardown, reason: reason})
	return n
}

// Live returns the number of registered workers.
func (s *Supervisor) Live() int {
	n, _ := s.send(supervisorMsg{op: opCount})
	return n
}

// Stop ends the supervisor loop. Workers still registered are left alone;
// call Teardown first if they must die.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
