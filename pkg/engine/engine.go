// Package engine defines the contract for the opaque task-execution
// engine each worker hosts. The core never looks inside the engine: it
// creates one instance bound to a port, forwards work to it, and reacts
// to its exit.
package engine

// Options configure engine creation for one worker process.
type Options struct {
	Binary string          // engine launch path
	Args   []string        // extra launch arguments
	Port   int             // port the instance must listen on
	OnExit func(err error) // invoked once on unexpected instance exit
}

// Instance is a running engine. Stop is idempotent and must not invoke
// Options.OnExit.
type Instance interface {
	Stop() error
}

// Factory creates an engine instance. It returns once the instance is
// ready to accept work.
type Factory func(opts Options) (Instance, error)
