package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/taskfarm/taskfarm/pkg/protocol"
)

// Client is the connecting half of the request/reply channel. Each
// worker holds exactly one client and keeps at most one request
// outstanding at a time.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a channel client for the given server address
func NewClient(addr string) *Client {
	return &Client{
		endpoint: fmt.Sprintf("http://%s/channel", addr),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Request sends one message and blocks until the reply arrives
func (c *Client) Request(msg protocol.Message) (protocol.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	resp, err := c.httpClient.Post(c.endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("channel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return protocol.Message{}, fmt.Errorf("channel request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var reply protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return protocol.Message{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

// IsConnectionError reports whether err looks like the server is not
// reachable yet, which a freshly spawned worker may hit while the
// master is still binding.
func IsConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF)
}
