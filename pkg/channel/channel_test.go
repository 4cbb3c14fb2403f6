package channel

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/taskfarm/taskfarm/pkg/logging"
	"github.com/taskfarm/taskfarm/pkg/protocol"
)

func quietLogger() *logging.Logger {
	logger := logging.New("test", logging.ERROR, false)
	logger.SetOutput(io.Discard)
	return logger
}

func startServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", handler, quietLogger())
	if err := srv.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestRequestReply(t *testing.T) {
	srv := startServer(t, func(msg protocol.Message) protocol.Message {
		if msg.Action != protocol.ActionItemRequest {
			t.Errorf("Unexpected action: %q", msg.Action)
		}
		return protocol.Work(42, json.RawMessage(`{"task":"t"}`))
	})

	client := NewClient(srv.Addr())
	reply, err := client.Request(protocol.ItemRequest())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if reply.ID != 42 || string(reply.Request) != `{"task":"t"}` {
		t.Errorf("Unexpected reply: %+v", reply)
	}
}

// TestMessagesHandledOneAtATime verifies the server never overlaps two
// handler invocations, which is what makes the queue's state mutations
// race-free.
func TestMessagesHandledOneAtATime(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0

	srv := startServer(t, func(msg protocol.Message) protocol.Message {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return protocol.OK()
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := NewClient(srv.Addr())
			if _, err := client.Request(protocol.ItemRequest()); err != nil {
				t.Errorf("Request failed: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("Handler overlapped: max %d concurrent invocations", maxActive)
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	srv := startServer(t, func(msg protocol.Message) protocol.Message {
		return protocol.OK()
	})
	if err := srv.Close(); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}

func TestConnectionErrorDetection(t *testing.T) {
	// Nothing listens on this address.
	client := NewClient("127.0.0.1:1")
	_, err := client.Request(protocol.ItemRequest())
	if err == nil {
		t.Fatal("Expected request to a dead address to fail")
	}
	if !IsConnectionError(err) {
		t.Errorf("Expected a connection error, got %v", err)
	}
}
