package queue

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func TestItemStartTwice(t *testing.T) {
	it := newItem(1, json.RawMessage(`{"task":"a"}`), nil)

	if err := it.Start(time.Hour); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	if err := it.Start(time.Hour); err != ErrItemStarted {
		t.Errorf("Expected ErrItemStarted on second Start, got %v", err)
	}
}

func TestItemTimeoutFiresOnce(t *testing.T) {
	var fired atomic.Int32
	it := newItem(1, json.RawMessage(`{}`), func(*Item) {
		fired.Add(1)
	})

	if err := it.Start(10 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("Expected timeout to fire exactly once, fired %d times", n)
	}
}

func TestItemFinishCancelsTimer(t *testing.T) {
	var fired atomic.Int32
	it := newItem(1, json.RawMessage(`{}`), func(*Item) {
		fired.Add(1)
	})

	if err := it.Start(30 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	it.Finish(json.RawMessage(`"done"`))

	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("Expected no timeout after Finish, fired %d times", n)
	}
}

func TestItemFinishStoresResponseAndSignals(t *testing.T) {
	it := newItem(7, json.RawMessage(`{"task":"x"}`), nil)

	select {
	case <-it.Done():
		t.Fatal("Done closed before Finish")
	default:
	}

	it.Finish(json.RawMessage(`{"result":42}`))

	select {
	case <-it.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Finish")
	}
	if string(it.Response()) != `{"result":42}` {
		t.Errorf("Unexpected response: %s", it.Response())
	}

	// A second Finish must not panic or overwrite.
	it.Finish(json.RawMessage(`"late"`))
	if string(it.Response()) != `{"result":42}` {
		t.Errorf("Second Finish overwrote response: %s", it.Response())
	}
}
