package pool

// EventKind identifies a pool lifecycle event
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventStopped       EventKind = "stopped"
	EventWorkerStarted EventKind = "worker started"
	EventWorkerDied    EventKind = "worker died"
)

// Event is one pool lifecycle notification. Worker is set for the
// per-worker kinds; Exit is set for EventWorkerDied.
type Event struct {
	Kind   EventKind
	Worker WorkerInfo
	Exit   ExitStatus
}

// WorkerInfo identifies one spawned worker process. The ordinal is
// stable across respawns so port assignments never collide.
type WorkerInfo struct {
	ID      string // instance tag, fresh per spawn
	Ordinal int    // 0..N-1 slot in the pool
	Pid     int
}

// ExitStatus describes how a worker process terminated
type ExitStatus struct {
	Code   int
	Signal string
}
