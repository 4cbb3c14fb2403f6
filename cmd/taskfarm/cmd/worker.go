package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskfarm/taskfarm/pkg/channel"
	"github.com/taskfarm/taskfarm/pkg/engine"
	"github.com/taskfarm/taskfarm/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one farm worker (spawned by the master)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	addFarmFlags(workerCmd)

	workerCmd.Flags().Int("ordinal", 0, "worker slot in the pool")
	workerCmd.Flags().String("worker-id", "", "instance tag assigned by the pool")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ordinal, _ := cmd.Flags().GetInt("ordinal")
	workerID, _ := cmd.Flags().GetString("worker-id")

	logger := newLogger(fmt.Sprintf("worker-%d", ordinal), cfg)
	if workerID != "" {
		logger = logger.WithField("worker_id", workerID)
	}

	factory := engine.Noop
	if cfg.EngineBinary != "" {
		factory = engine.Exec
	}
	exec := worker.NewExecutor(worker.ExecutorOptions{
		Ordinal:      ordinal,
		BasePort:     cfg.BasePort,
		Iterations:   cfg.Iterations,
		Engine:       factory,
		EngineBinary: cfg.EngineBinary,
		EngineArgs:   cfg.EngineArgs,
		Logger:       logger,
	})

	consumer := worker.EchoConsumer()
	if cfg.EngineBinary != "" {
		consumer = worker.NewEngineConsumer(exec.Port())
	}
	cli := worker.NewClient(exec, channel.NewClient(cfg.ChannelAddr), consumer)

	// The manager terminates workers with SIGTERM on global stop.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		cli.Stop()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cli.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Worker failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	case <-cli.Done():
	}
	os.Exit(cli.ExitCode())
	return nil
}
