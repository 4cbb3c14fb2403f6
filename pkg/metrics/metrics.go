package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter tracks master-side farm metrics and serves them in
// Prometheus text format. It implements queue.Recorder.
type Exporter struct {
	registry *prometheus.Registry

	queueDepth    prometheus.Gauge
	inflightDepth prometheus.Gauge
	liveWorkers   prometheus.Gauge
	enqueued      prometheus.Counter
	dispatched    prometheus.Counter
	retried       prometheus.Counter
	completions   *prometheus.CounterVec
	workerDeaths  prometheus.Counter
}

// New creates an exporter with its own registry, so tests can hold
// several without collisions.
func New() *Exporter {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Exporter{
		registry: registry,
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskfarm_queue_depth",
			Help: "Items waiting in the FIFO queue",
		}),
		inflightDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskfarm_inflight_items",
			Help: "Items dispatched but not yet acknowledged",
		}),
		liveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskfarm_live_workers",
			Help: "Worker processes currently registered",
		}),
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskfarm_items_enqueued_total",
			Help: "Items accepted into the queue, retries excluded",
		}),
		dispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskfarm_items_dispatched_total",
			Help: "Items handed to workers, retries included",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskfarm_items_retried_total",
			Help: "Timed-out items replaced under a fresh id",
		}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfarm_completions_total",
			Help: "Completion reports by acknowledgement",
		}, []string{"ack"}),
		workerDeaths: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskfarm_worker_deaths_total",
			Help: "Worker process exits observed by the pool",
		}),
	}
}

// Handler serves the /metrics endpoint
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// RecordEnqueue implements queue.Recorder
func (e *Exporter) RecordEnqueue() { e.enqueued.Inc() }

// RecordDispatch implements queue.Recorder
func (e *Exporter) RecordDispatch() { e.dispatched.Inc() }

// RecordCompletion implements queue.Recorder
func (e *Exporter) RecordCompletion(ack string) { e.completions.WithLabelValues(ack).Inc() }

// RecordRetry implements queue.Recorder
func (e *Exporter) RecordRetry() { e.retried.Inc() }

// SetDepth implements queue.Recorder
func (e *Exporter) SetDepth(fifo, inflight int) {
	e.queueDepth.Set(float64(fifo))
	e.inflightDepth.Set(float64(inflight))
}

// SetLiveWorkers updates the worker gauge
func (e *Exporter) SetLiveWorkers(n int) { e.liveWorkers.Set(float64(n)) }

// RecordWorkerDeath counts one worker exit
func (e *Exporter) RecordWorkerDeath() { e.workerDeaths.Inc() }
