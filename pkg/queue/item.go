package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrItemStarted is returned when Start is called twice on one item
var ErrItemStarted = errors.New("queue item already started")

// Item is one unit of queued work. Ids are assigned at enqueue time,
// are unique per server instance and are never reused: a timed-out
// item is superseded by a fresh item carrying the same request
// payload, so the same logical request may execute more than once when
// its original response arrives after the deadline.
type Item struct {
	ID      int64
	Request json.RawMessage

	mu        sync.Mutex
	response  json.RawMessage
	timer     *time.Timer
	started   bool
	finished  bool
	onTimeout func(*Item)
	done      chan struct{}
}

func newItem(id int64, request json.RawMessage, onTimeout func(*Item)) *Item {
	return &Item{
		ID:        id,
		Request:   request,
		onTimeout: onTimeout,
		done:      make(chan struct{}),
	}
}

// Start arms the single-shot deadline timer. Calling it on an already
// started item is a programming error and returns ErrItemStarted.
func (it *Item) Start(timeout time.Duration) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.started {
		return ErrItemStarted
	}
	it.started = true
	it.timer = time.AfterFunc(timeout, it.expire)
	return nil
}

func (it *Item) expire() {
	it.mu.Lock()
	if it.finished {
		it.mu.Unlock()
		return
	}
	onTimeout := it.onTimeout
	it.mu.Unlock()

	if onTimeout != nil {
		onTimeout(it)
	}
}

// Finish cancels any armed timer, stores the response and signals
// completion. The item never retries itself; resubmission is the
// server's responsibility and produces a distinct item.
func (it *Item) Finish(response json.RawMessage) {
	it.mu.Lock()
	if it.finished {
		it.mu.Unlock()
		return
	}
	it.finished = true
	it.response = response
	if it.timer != nil {
		it.timer.Stop()
	}
	it.mu.Unlock()

	close(it.done)
}

// cancel disarms the timer without completing the item. Used when the
// queue releases its resources on stop.
func (it *Item) cancel() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
	}
}

// Done is closed once the item's response has been acknowledged
func (it *Item) Done() <-chan struct{} {
	return it.done
}

// Response returns the stored response, nil until completion
func (it *Item) Response() json.RawMessage {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.response
}
