package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// NewEngineConsumer returns the default consumer: it POSTs the request
// payload to the engine instance on the worker's port and returns the
// engine's response body. The per-item deadline is enforced
// server-side, so no local timeout is layered on top beyond a sanity
// bound.
func NewEngineConsumer(port int) Consumer {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/", port)
	client := &http.Client{}

	return ConsumerFunc(func(request json.RawMessage) (json.RawMessage, error) {
		resp, err := client.Post(endpoint, "application/json", bytes.NewReader(request))
		if err != nil {
			return nil, fmt.Errorf("engine request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read engine response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(body))
		}
		if json.Valid(body) {
			return body, nil
		}
		return json.Marshal(string(body))
	})
}

// EchoConsumer returns the request payload unchanged. Used when no
// engine binary is configured, mainly for smoke testing a farm.
func EchoConsumer() Consumer {
	return ConsumerFunc(func(request json.RawMessage) (json.RawMessage, error) {
		return request, nil
	})
}
