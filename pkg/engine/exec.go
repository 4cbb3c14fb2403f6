package engine

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Exec launches the engine binary as a child of the worker process,
// passing the assigned port as --port. The instance is considered
// ready once the process has started.
func Exec(opts Options) (Instance, error) {
	args := append(append([]string{}, opts.Args...), "--port", strconv.Itoa(opts.Port))
	cmd := exec.Command(opts.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine %s: %w", opts.Binary, err)
	}

	inst := &execInstance{cmd: cmd, waited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(inst.waited)
		if !inst.wasStopped() && opts.OnExit != nil {
			opts.OnExit(err)
		}
	}()
	return inst, nil
}

type execInstance struct {
	cmd     *exec.Cmd
	waited  chan struct{}
	mu      sync.Mutex
	stopped bool
}

func (e *execInstance) wasStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Stop terminates the engine process, escalating to SIGKILL if it
// ignores SIGTERM. Idempotent.
func (e *execInstance) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	if e.cmd.Process == nil {
		return nil
	}
	_ = e.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-e.waited:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		<-e.waited
	}
	return nil
}
