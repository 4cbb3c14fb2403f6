package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/taskfarm/taskfarm/pkg/channel"
	"github.com/taskfarm/taskfarm/pkg/logging"
	"github.com/taskfarm/taskfarm/pkg/pool"
	"github.com/taskfarm/taskfarm/pkg/protocol"
)

// Recorder receives queue statistics. Implemented by pkg/metrics; a
// nil recorder disables recording.
type Recorder interface {
	RecordEnqueue()
	RecordDispatch()
	RecordCompletion(ack string)
	RecordRetry()
	SetDepth(fifo, inflight int)
}

// Options configure the work queue
type Options struct {
	Addr         string        // channel listen address
	Timeout      time.Duration // per-item deadline
	PollInterval time.Duration // drain check interval
	Logger       *logging.Logger
	Recorder     Recorder
}

// Queue is the master-side distributed work queue. It extends the
// worker pool manager with a FIFO of pending items, an in-flight table
// of dispatched-but-unacknowledged items, and the server half of the
// pull protocol. The channel server delivers messages one at a time
// and every mutation happens under q.mu, so the only real hazard — a
// late response racing an item's timeout — is settled by table
// presence alone: present means authoritative, absent means the item
// was already retried and the response is stale.
type Queue struct {
	*pool.Manager

	logger   *logging.Logger
	recorder Recorder
	timeout  time.Duration
	poll     time.Duration
	server   *channel.Server

	mu       sync.Mutex
	fifo     []*Item
	inflight map[int64]*Item
	nextID   int64
	done     bool

	stopPoll     chan struct{}
	shutdownOnce sync.Once
}

// New creates a work queue on top of a pool manager. The queue owns
// the reply channel; Start binds it before any worker is spawned.
func New(mgr *pool.Manager, opts Options) *Queue {
	q := &Queue{
		Manager:  mgr,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		timeout:  opts.Timeout,
		poll:     opts.PollInterval,
		inflight: make(map[int64]*Item),
		stopPoll: make(chan struct{}),
	}
	if q.timeout <= 0 {
		q.timeout = 60 * time.Second
	}
	if q.poll <= 0 {
		q.poll = 10 * time.Millisecond
	}
	q.server = channel.NewServer(opts.Addr, q.Handle, opts.Logger.WithComponent("channel"))
	mgr.Notify(q.onPoolEvent)
	return q
}

// Server exposes the underlying channel server so the owner can attach
// metrics and health endpoints to its router.
func (q *Queue) Server() *channel.Server {
	return q.server
}

// Enqueue wraps a request into a new item, registers its
// timeout-triggered requeue behavior and appends it to the FIFO tail.
// The returned item lets the caller observe completion.
func (q *Queue) Enqueue(request json.RawMessage) *Item {
	q.mu.Lock()
	it := q.mintLocked(request)
	q.fifo = append(q.fifo, it)
	q.recordDepthLocked()
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordEnqueue()
	}
	q.logger.Debug("Item enqueued", map[string]interface{}{"id": it.ID})
	return it
}

func (q *Queue) mintLocked(request json.RawMessage) *Item {
	q.nextID++
	return newItem(q.nextID, request, q.requeue)
}

// Start binds the channel and then starts the worker pool
func (q *Queue) Start() error {
	if err := q.server.Bind(); err != nil {
		return err
	}
	return q.Manager.Start()
}

// Stop marks the queue done and stops the pool. Idempotent; the pool's
// "stopped" event triggers the queue's own teardown.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.Manager.Stop()
}

func (q *Queue) onPoolEvent(ev pool.Event) {
	switch ev.Kind {
	case pool.EventStarted:
		go q.drainLoop()
	case pool.EventStopped:
		q.shutdownOnce.Do(func() {
			close(q.stopPoll)
			_ = q.server.Close()
			q.release()
		})
	}
}

// release disarms every in-flight timer and drops pending items
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = true
	for id, it := range q.inflight {
		it.cancel()
		delete(q.inflight, id)
	}
	q.fifo = nil
	q.recordDepthLocked()
}

// drainLoop periodically checks the drain condition: once the FIFO and
// the in-flight table are both empty, the whole farm has converged and
// the queue stops itself. No participant ever declares global
// completion explicitly.
func (q *Queue) drainLoop() {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopPoll:
			return
		case <-ticker.C:
			if q.drained() {
				q.logger.Info("Queue drained, stopping farm")
				q.Stop()
				return
			}
		}
	}
}

func (q *Queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.done && len(q.fifo) == 0 && len(q.inflight) == 0
}

// Handle processes one channel message. It is invoked by the channel
// server strictly one message at a time.
func (q *Queue) Handle(msg protocol.Message) protocol.Message {
	switch msg.Action {
	case protocol.ActionItemRequest:
		return q.dispatch()
	case protocol.ActionItemResponse:
		return q.complete(msg.ID, msg.Response)
	default:
		q.logger.Warn("Unknown channel action", map[string]interface{}{"action": msg.Action})
		return protocol.Ignored()
	}
}

// dispatch pops the FIFO head, arms its deadline and registers it
// in-flight. An empty queue answers "done", which only means "nothing
// available now" on this connection, not global drain.
func (q *Queue) dispatch() protocol.Message {
	q.mu.Lock()
	if q.done || len(q.fifo) == 0 {
		q.mu.Unlock()
		return protocol.Done()
	}

	it := q.fifo[0]
	q.fifo = q.fifo[1:]
	q.inflight[it.ID] = it
	if err := it.Start(q.timeout); err != nil {
		// Replacement items are always freshly minted, so this cannot
		// happen through the documented operations.
		q.logger.Error("Dispatched item was already started", map[string]interface{}{"id": it.ID})
	}
	q.recordDepthLocked()
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordDispatch()
	}
	q.logger.Debug("Item dispatched", map[string]interface{}{"id": it.ID})
	return protocol.Work(it.ID, it.Request)
}

// complete settles a worker's completion report. A known id is
// acknowledged "OK"; an unknown one — already timed out and replaced,
// or a duplicate — is answered "ignored" without mutating anything.
func (q *Queue) complete(id int64, response json.RawMessage) protocol.Message {
	q.mu.Lock()
	it, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		if q.recorder != nil {
			q.recorder.RecordCompletion(protocol.ActionIgnored)
		}
		q.logger.Debug("Stale completion ignored", map[string]interface{}{"id": id})
		return protocol.Ignored()
	}
	delete(q.inflight, id)
	it.Finish(response)
	q.recordDepthLocked()
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordCompletion(protocol.ActionOK)
	}
	q.logger.Debug("Item completed", map[string]interface{}{"id": id})
	return protocol.OK()
}

// requeue fires on an item's deadline. If the item is still in the
// table it is replaced by a new item with the same payload and a fresh
// id at the FIFO tail — unbounded retry, no attempt cap, no backoff.
func (q *Queue) requeue(it *Item) {
	q.mu.Lock()
	if _, ok := q.inflight[it.ID]; !ok {
		// Completed or released while the timer was firing.
		q.mu.Unlock()
		return
	}
	delete(q.inflight, it.ID)
	if q.done {
		q.mu.Unlock()
		return
	}
	replacement := q.mintLocked(it.Request)
	q.fifo = append(q.fifo, replacement)
	q.recordDepthLocked()
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordRetry()
	}
	q.logger.Warn("Item timed out, requeued", map[string]interface{}{
		"timed_out_id": it.ID, "retry_id": replacement.ID,
	})
}

func (q *Queue) recordDepthLocked() {
	if q.recorder != nil {
		q.recorder.SetDepth(len(q.fifo), len(q.inflight))
	}
}

// Pending returns the FIFO and in-flight sizes
func (q *Queue) Pending() (fifo, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo), len(q.inflight)
}
