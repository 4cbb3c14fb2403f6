package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/taskfarm/taskfarm/pkg/metrics"
	"github.com/taskfarm/taskfarm/pkg/pool"
	"github.com/taskfarm/taskfarm/pkg/queue"
	"github.com/taskfarm/taskfarm/pkg/shutdown"
)

var (
	masterRequestsFile string
	masterRequests     []string
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the farm master: queue, channel and worker pool",
	Long: `Starts the queue channel, spawns the worker pool, enqueues the given
requests and runs until the queue drains. Workers are respawned
whenever they exit; the whole farm stops itself once nothing is queued
or in flight.`,
	RunE: runMaster,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	addFarmFlags(masterCmd)

	masterCmd.Flags().StringVar(&masterRequestsFile, "requests", "", "file with one JSON request payload per line")
	masterCmd.Flags().StringArrayVar(&masterRequests, "request", nil, "inline JSON request payload (repeatable)")
}

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger("master", cfg)

	requests, err := loadRequests()
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("nothing to do: provide --requests or --request")
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own binary: %w", err)
	}
	spawnArgs := []string{"worker",
		"--channel-addr", cfg.ChannelAddr,
		"--iterations", strconv.Itoa(cfg.Iterations),
		"--base-port", strconv.Itoa(cfg.BasePort),
		"--log-level", cfg.LogLevel,
	}
	if cfg.LogJSON {
		spawnArgs = append(spawnArgs, "--log-json")
	}
	if cfg.EngineBinary != "" {
		spawnArgs = append(spawnArgs, "--engine", cfg.EngineBinary)
		for _, a := range cfg.EngineArgs {
			spawnArgs = append(spawnArgs, "--engine-arg", a)
		}
	}

	exporter := metrics.New()
	mgr := pool.NewManager(pool.Options{
		Workers: cfg.Workers,
		Spawner: &pool.ExecSpawner{Binary: binary, Args: spawnArgs},
		Logger:  logger.WithComponent("pool"),
	})
	q := queue.New(mgr, queue.Options{
		Addr:         cfg.ChannelAddr,
		Timeout:      cfg.Timeout,
		PollInterval: cfg.PollInterval,
		Logger:       logger.WithComponent("queue"),
		Recorder:     exporter,
	})

	var (
		statsMu sync.Mutex
		spawned int
		deaths  int
	)
	stopped := make(chan struct{})
	mgr.Notify(func(ev pool.Event) {
		switch ev.Kind {
		case pool.EventWorkerStarted:
			statsMu.Lock()
			spawned++
			statsMu.Unlock()
			exporter.SetLiveWorkers(mgr.LiveWorkers())
		case pool.EventWorkerDied:
			statsMu.Lock()
			deaths++
			statsMu.Unlock()
			exporter.RecordWorkerDeath()
			exporter.SetLiveWorkers(mgr.LiveWorkers())
		case pool.EventStopped:
			close(stopped)
		}
	})

	router := q.Server().Router()
	router.Handle("/metrics", exporter.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")

	items := make([]*queue.Item, 0, len(requests))
	for _, r := range requests {
		items = append(items, q.Enqueue(r))
	}
	logger.Info("Requests enqueued", map[string]interface{}{"count": len(items)})

	sd := shutdown.New(10 * time.Second)
	sd.Register(func(ctx context.Context) error {
		q.Stop()
		return nil
	})
	sd.Watch()
	go func() {
		<-sd.Done()
		if err := sd.Shutdown(); err != nil {
			logger.Error("Shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := q.Start(); err != nil {
		return fmt.Errorf("failed to start farm: %w", err)
	}

	<-stopped
	mgr.Wait()

	statsMu.Lock()
	defer statsMu.Unlock()
	printSummary(items, spawned, deaths)
	return nil
}

// loadRequests collects request payloads from the --requests file and
// any --request flags, validating each as JSON.
func loadRequests() ([]json.RawMessage, error) {
	var requests []json.RawMessage

	if masterRequestsFile != "" {
		f, err := os.Open(masterRequestsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open requests file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Bytes()
			if len(text) == 0 {
				continue
			}
			if !json.Valid(text) {
				return nil, fmt.Errorf("invalid JSON on line %d of %s", line, masterRequestsFile)
			}
			requests = append(requests, json.RawMessage(append([]byte{}, text...)))
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read requests file: %w", err)
		}
	}

	for i, r := range masterRequests {
		if !json.Valid([]byte(r)) {
			return nil, fmt.Errorf("--request %d is not valid JSON", i+1)
		}
		requests = append(requests, json.RawMessage(r))
	}
	return requests, nil
}

// printSummary renders the end-of-run report
func printSummary(items []*queue.Item, spawned, deaths int) {
	completed := 0
	for _, it := range items {
		select {
		case <-it.Done():
			completed++
		default:
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append("Requests enqueued", strconv.Itoa(len(items)))
	table.Append("Requests completed", strconv.Itoa(completed))
	table.Append("Workers spawned", strconv.Itoa(spawned))
	table.Append("Worker exits", strconv.Itoa(deaths))
	table.Render()
}
