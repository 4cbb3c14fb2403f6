package worker

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskfarm/taskfarm/pkg/channel"
	"github.com/taskfarm/taskfarm/pkg/engine"
	"github.com/taskfarm/taskfarm/pkg/protocol"
)

// scriptedQueue plays the server side of the pull protocol from a
// fixed list of work items.
type scriptedQueue struct {
	mu        sync.Mutex
	nextID    int64
	items     []json.RawMessage
	responses map[int64]json.RawMessage
	ackAction string // acknowledgement to completions; "" means OK
}

func newScriptedQueue(items ...json.RawMessage) *scriptedQueue {
	return &scriptedQueue{
		items:     items,
		responses: make(map[int64]json.RawMessage),
	}
}

func (s *scriptedQueue) handle(msg protocol.Message) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Action {
	case protocol.ActionItemRequest:
		if len(s.items) == 0 {
			return protocol.Done()
		}
		item := s.items[0]
		s.items = s.items[1:]
		s.nextID++
		return protocol.Work(s.nextID, item)

	case protocol.ActionItemResponse:
		s.responses[msg.ID] = msg.Response
		if s.ackAction != "" {
			return protocol.Message{Action: s.ackAction}
		}
		return protocol.OK()

	default:
		return protocol.Ignored()
	}
}

func (s *scriptedQueue) responseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *scriptedQueue) remainingItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newTestClient(t *testing.T, script *scriptedQueue, iterations int, consumer Consumer) (*Client, *eventCollector) {
	t.Helper()
	srv := channel.NewServer("127.0.0.1:0", script.handle, quietLogger())
	if err := srv.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	exec := NewExecutor(ExecutorOptions{
		Iterations: iterations,
		Engine: func(opts engine.Options) (engine.Instance, error) {
			return &stubInstance{}, nil
		},
		Logger: quietLogger(),
	})
	collector := &eventCollector{}
	exec.Notify(collector.handle)
	return NewClient(exec, channel.NewClient(srv.Addr()), consumer), collector
}

func runClient(t *testing.T, cli *Client) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- cli.Run() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Client did not finish")
		return nil
	}
}

func TestClientPullsUntilDone(t *testing.T) {
	script := newScriptedQueue(
		json.RawMessage(`{"task":"a"}`),
		json.RawMessage(`{"task":"b"}`),
	)
	cli, collector := newTestClient(t, script, 10, EchoConsumer())

	if err := runClient(t, cli); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := script.responseCount(); got != 2 {
		t.Errorf("Expected 2 responses, server saw %d", got)
	}
	if string(script.responses[1]) != `{"task":"a"}` {
		t.Errorf("Echo response mismatch: %s", script.responses[1])
	}
	select {
	case <-cli.Done():
	default:
		t.Error("Worker not stopped after done reply")
	}
	if cli.ExitCode() != 0 {
		t.Errorf("Expected clean exit, got %d", cli.ExitCode())
	}
	// One ready signal at start plus one after the first item; the
	// second completion is followed by the done reply, not more work.
	if got := collector.count(EventReady); got != 3 {
		t.Errorf("Expected 3 ready signals, got %d", got)
	}
}

func TestClientStopsOnIterationBudget(t *testing.T) {
	script := newScriptedQueue(
		json.RawMessage(`{"task":"a"}`),
		json.RawMessage(`{"task":"b"}`),
		json.RawMessage(`{"task":"c"}`),
		json.RawMessage(`{"task":"d"}`),
		json.RawMessage(`{"task":"e"}`),
	)
	cli, _ := newTestClient(t, script, 3, EchoConsumer())

	if err := runClient(t, cli); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := script.responseCount(); got != 3 {
		t.Errorf("Expected exactly 3 items served before the budget, got %d", got)
	}
	if got := script.remainingItems(); got != 2 {
		t.Errorf("Expected 2 items left on the server, got %d", got)
	}
	if cli.ExitCode() != 0 {
		t.Errorf("Budget exhaustion should exit clean, got %d", cli.ExitCode())
	}
}

func TestClientTreatsIgnoredAckAsSuccess(t *testing.T) {
	script := newScriptedQueue(json.RawMessage(`{"task":"slow"}`))
	script.ackAction = protocol.ActionIgnored
	cli, _ := newTestClient(t, script, 10, EchoConsumer())

	if err := runClient(t, cli); err != nil {
		t.Fatalf("Run failed on ignored acknowledgement: %v", err)
	}
	if got := script.responseCount(); got != 1 {
		t.Errorf("Expected 1 response, got %d", got)
	}
}

func TestClientRejectsBadAcknowledgement(t *testing.T) {
	script := newScriptedQueue(json.RawMessage(`{"task":"a"}`))
	script.ackAction = "huh"
	cli, _ := newTestClient(t, script, 10, EchoConsumer())

	err := runClient(t, cli)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected protocol violation, got %v", err)
	}
	select {
	case <-cli.Done():
	default:
		t.Error("Worker not stopped after protocol violation")
	}
}

func TestClientReportsTaskFailure(t *testing.T) {
	script := newScriptedQueue(json.RawMessage(`{"task":"a"}`))
	failing := ConsumerFunc(func(json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	cli, _ := newTestClient(t, script, 10, failing)

	if err := runClient(t, cli); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var report map[string]string
	if err := json.Unmarshal(script.responses[1], &report); err != nil {
		t.Fatalf("Failure response is not JSON: %v", err)
	}
	if report["error"] != "boom" {
		t.Errorf("Expected failure report, got %v", report)
	}
}
