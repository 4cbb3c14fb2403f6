package pool

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/taskfarm/taskfarm/pkg/logging"
)

// Process is the handle for one spawned worker process.
type Process interface {
	Pid() int
	Terminate() error
	Wait() ExitStatus
}

// Spawner launches worker processes. The default implementation execs
// the taskfarm binary's worker subcommand; tests substitute a fake.
type Spawner interface {
	Spawn(w WorkerInfo) (Process, error)
}

// Options configure the pool manager
type Options struct {
	Workers int // target pool size; 0 means host logical core count
	Spawner Spawner
	Logger  *logging.Logger
}

// Manager owns the lifecycle of N worker processes. It spawns them on
// Start, respawns any that exit while the pool is not done, and
// terminates them all on Stop. The process registry is owned
// exclusively by the manager and mutated only on spawn and exit.
type Manager struct {
	spawner Spawner
	logger  *logging.Logger
	workers int

	mu       sync.Mutex
	procs    map[int]Process // pid -> handle
	done     bool
	started  bool
	handlers []func(Event)

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a pool manager
func NewManager(opts Options) *Manager {
	workers := opts.Workers
	if workers <= 0 {
		if n, err := cpu.Counts(true); err == nil && n > 0 {
			workers = n
		} else {
			workers = runtime.NumCPU()
		}
	}
	return &Manager{
		spawner: opts.Spawner,
		logger:  opts.Logger,
		workers: workers,
		procs:   make(map[int]Process),
	}
}

// Notify subscribes a handler to pool lifecycle events. Handlers run
// synchronously on the emitting goroutine and must not block.
func (m *Manager) Notify(h func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	handlers := make([]func(Event), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Start spawns the target number of workers and emits "started"
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Starting worker pool", map[string]interface{}{"workers": m.workers})
	for i := 0; i < m.workers; i++ {
		if err := m.spawn(i); err != nil {
			m.Stop()
			return fmt.Errorf("failed to spawn worker %d: %w", i, err)
		}
	}
	m.emit(Event{Kind: EventStarted})
	return nil
}

func (m *Manager) spawn(ordinal int) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	info := WorkerInfo{ID: uuid.NewString(), Ordinal: ordinal}
	p, err := m.spawner.Spawn(info)
	if err != nil {
		return err
	}
	info.Pid = p.Pid()

	m.mu.Lock()
	if m.done {
		// Stop raced the spawn; the replacement is not wanted anymore.
		m.mu.Unlock()
		_ = p.Terminate()
		return nil
	}
	m.procs[info.Pid] = p
	m.mu.Unlock()

	m.logger.Info("Worker started", map[string]interface{}{
		"pid": info.Pid, "ordinal": info.Ordinal, "worker_id": info.ID,
	})
	m.emit(Event{Kind: EventWorkerStarted, Worker: info})

	m.wg.Add(1)
	go m.watch(info, p)
	return nil
}

// watch reaps one worker process and respawns its slot unless the pool
// is done. A worker dying is expected, not fatal.
func (m *Manager) watch(info WorkerInfo, p Process) {
	defer m.wg.Done()

	status := p.Wait()

	m.mu.Lock()
	delete(m.procs, info.Pid)
	done := m.done
	m.mu.Unlock()

	m.logger.Info("Worker exited", map[string]interface{}{
		"pid": info.Pid, "ordinal": info.Ordinal, "code": status.Code, "signal": status.Signal,
	})
	m.emit(Event{Kind: EventWorkerDied, Worker: info, Exit: status})

	if !done {
		if err := m.spawn(info.Ordinal); err != nil {
			m.logger.Error("Failed to respawn worker", map[string]interface{}{
				"ordinal": info.Ordinal, "error": err.Error(),
			})
		}
	}
}

// Stop terminates every live worker and emits "stopped" exactly once.
// Idempotent; no further spawning happens after Stop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.done = true
		procs := make([]Process, 0, len(m.procs))
		for _, p := range m.procs {
			procs = append(procs, p)
		}
		m.mu.Unlock()

		for _, p := range procs {
			_ = p.Terminate()
		}
		m.logger.Info("Worker pool stopped")
		m.emit(Event{Kind: EventStopped})
	})
}

// Wait blocks until every spawned worker has been reaped
func (m *Manager) Wait() {
	m.wg.Wait()
}

// LiveWorkers returns the current registry size
func (m *Manager) LiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// TargetWorkers returns the configured pool size
func (m *Manager) TargetWorkers() int {
	return m.workers
}
