package worker

import (
	"fmt"
	"sync"

	"github.com/taskfarm/taskfarm/pkg/engine"
	"github.com/taskfarm/taskfarm/pkg/logging"
)

// State is the worker lifecycle state:
// starting -> ready -> (busy <-> ready)* -> stopping -> terminated,
// with a forced transition to stopping on executor death or iteration
// exhaustion.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// EventKind identifies a worker lifecycle event
type EventKind string

const (
	EventExecutorStarted EventKind = "executor started"
	EventExecutorDied    EventKind = "executor died"
	EventReady           EventKind = "ready for work"
	EventStopped         EventKind = "stopped"
)

// Event is one worker lifecycle notification
type Event struct {
	Kind EventKind
	Err  error
}

// ExecutorOptions configure one worker process's executor
type ExecutorOptions struct {
	Ordinal      int
	BasePort     int // engine port = BasePort + Ordinal
	Iterations   int // items before voluntary stop; 0 means 100
	Engine       engine.Factory
	EngineBinary string
	EngineArgs   []string
	Logger       *logging.Logger
}

// Executor owns exactly one task-engine instance for this worker
// process. The iteration budget bounds how many items one instance
// serves, trading a process restart for leak immunity. There is no
// in-process respawn: when the engine dies the worker stops and the
// pool manager replaces the whole process.
type Executor struct {
	opts   ExecutorOptions
	logger *logging.Logger

	mu        sync.Mutex
	state     State
	remaining int
	instance  engine.Instance
	handlers  []func(Event)
	exitCode  int

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewExecutor creates an executor in the starting state
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Iterations <= 0 {
		opts.Iterations = 100
	}
	return &Executor{
		opts:      opts,
		logger:    opts.Logger,
		state:     StateStarting,
		remaining: opts.Iterations,
		stopped:   make(chan struct{}),
	}
}

// Notify subscribes a handler to lifecycle events
func (e *Executor) Notify(h func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *Executor) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]func(Event), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Port returns the engine port derived from the worker ordinal, so
// co-located workers never collide.
func (e *Executor) Port() int {
	return e.opts.BasePort + e.opts.Ordinal
}

// Start creates the engine instance and signals ready-for-work once
func (e *Executor) Start() error {
	inst, err := e.opts.Engine(engine.Options{
		Binary: e.opts.EngineBinary,
		Args:   e.opts.EngineArgs,
		Port:   e.Port(),
		OnExit: e.executorDied,
	})
	if err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	e.mu.Lock()
	e.instance = inst
	e.state = StateReady
	e.mu.Unlock()

	e.logger.Info("Executor started", map[string]interface{}{"port": e.Port()})
	e.emit(Event{Kind: EventExecutorStarted})
	e.emit(Event{Kind: EventReady})
	return nil
}

// executorDied handles an unexpected engine exit: this worker stops
// immediately and the pool manager respawns the process.
func (e *Executor) executorDied(err error) {
	e.logger.Error("Executor died", map[string]interface{}{"error": fmt.Sprint(err)})
	e.emit(Event{Kind: EventExecutorDied, Err: err})

	e.mu.Lock()
	e.exitCode = 1
	e.mu.Unlock()
	e.Stop()
}

// State returns the current lifecycle state
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) markBusy() {
	e.mu.Lock()
	if e.state == StateReady {
		e.state = StateBusy
	}
	e.mu.Unlock()
}

func (e *Executor) markReady() {
	e.mu.Lock()
	if e.state == StateBusy {
		e.state = StateReady
	}
	e.mu.Unlock()
	e.emit(Event{Kind: EventReady})
}

// Remaining returns the iteration budget left
func (e *Executor) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remaining
}

// completedOne burns one iteration. It returns false once the budget
// is spent, in which case the executor has already initiated its
// voluntary stop.
func (e *Executor) completedOne() bool {
	e.mu.Lock()
	e.remaining--
	exhausted := e.remaining <= 0
	e.mu.Unlock()

	if exhausted {
		e.logger.Info("Iteration budget exhausted, stopping")
		e.Stop()
		return false
	}
	return true
}

func (e *Executor) stopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateStopping || e.state == StateTerminated
}

// Stop tears the executor down: engine instance first, then the
// "stopped" notification. Idempotent, covers the involuntary
// executor-died path too.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.state = StateStopping
		inst := e.instance
		e.mu.Unlock()

		if inst != nil {
			_ = inst.Stop()
		}
		e.emit(Event{Kind: EventStopped})

		e.mu.Lock()
		e.state = StateTerminated
		e.mu.Unlock()
		close(e.stopped)
	})
}

// Done is closed once the executor has fully stopped
func (e *Executor) Done() <-chan struct{} {
	return e.stopped
}

// ExitCode is the status this worker process should exit with: zero
// for voluntary stops, non-zero after an executor death.
func (e *Executor) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}
