package engine

// Noop creates an inert engine instance. Used when no engine binary is
// configured, for tasks the worker can serve without external help.
func Noop(opts Options) (Instance, error) {
	return noopInstance{}, nil
}

type noopInstance struct{}

func (noopInstance) Stop() error { return nil }
