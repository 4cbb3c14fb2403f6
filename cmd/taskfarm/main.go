package main

import (
	"os"

	"github.com/taskfarm/taskfarm/cmd/taskfarm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
