package pool

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ExecSpawner launches workers by re-executing a binary with a worker
// subcommand, handing each one its ordinal and instance tag. Worker
// stdout/stderr are inherited so their logs interleave with the
// master's.
type ExecSpawner struct {
	Binary string
	Args   []string // base arguments, e.g. ["worker", "--channel-addr", addr]
	Env    []string // extra environment entries, appended to the parent's
}

// Spawn starts one worker process
func (s *ExecSpawner) Spawn(w WorkerInfo) (Process, error) {
	args := append(append([]string{}, s.Args...),
		"--ordinal", strconv.Itoa(w.Ordinal),
		"--worker-id", w.ID,
	)
	cmd := exec.Command(s.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.Env...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to exec worker: %w", err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait reaps the process and classifies how it went down
func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		if err != nil {
			return ExitStatus{Code: -1}
		}
		return ExitStatus{}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}
