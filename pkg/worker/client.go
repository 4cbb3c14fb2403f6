package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskfarm/taskfarm/pkg/channel"
	"github.com/taskfarm/taskfarm/pkg/protocol"
	"github.com/taskfarm/taskfarm/pkg/retry"
)

// ErrProtocol marks an unrecoverable desync with the queue server.
// It is deliberately fatal to the worker.
var ErrProtocol = errors.New("queue protocol violation")

// Consumer executes one task. The payload is opaque to the core; the
// default consumer forwards it to the engine's port.
type Consumer interface {
	Execute(request json.RawMessage) (json.RawMessage, error)
}

// ConsumerFunc adapts a function to the Consumer interface
type ConsumerFunc func(request json.RawMessage) (json.RawMessage, error)

func (f ConsumerFunc) Execute(request json.RawMessage) (json.RawMessage, error) {
	return f(request)
}

// Client is the worker half of the pull protocol. It extends the
// executor lifecycle with one request channel, exclusively connected
// to the server, and keeps exactly one request outstanding and exactly
// one task executing at any time.
type Client struct {
	*Executor

	channel   *channel.Client
	consumer  Consumer
	currentID int64
	connected bool
}

// NewClient creates a protocol client around an executor
func NewClient(exec *Executor, ch *channel.Client, consumer Consumer) *Client {
	return &Client{
		Executor: exec,
		channel:  ch,
		consumer: consumer,
	}
}

// Run drives the worker to completion: start the executor, then pull
// and execute items until the queue reports done, the iteration budget
// runs out, or the executor dies. A protocol violation is returned as
// an error and has already stopped the worker.
func (c *Client) Run() error {
	if err := c.Executor.Start(); err != nil {
		return err
	}
	for !c.stopping() {
		again, err := c.pullOnce()
		if err != nil {
			c.Stop()
			return err
		}
		if !again {
			return nil
		}
	}
	return nil
}

// pullOnce asks the server for work and handles the reply. The second
// return value reports whether the worker should pull again.
func (c *Client) pullOnce() (bool, error) {
	reply, err := c.request(protocol.ItemRequest())
	if err != nil {
		if c.stopping() {
			// The server went away because the farm is stopping.
			return false, nil
		}
		return false, err
	}

	switch reply.Action {
	case protocol.ActionDone:
		c.logger.Info("Nothing queued, stopping worker")
		c.Stop()
		return false, nil

	case protocol.ActionItemRequest:
		c.markBusy()
		c.currentID = reply.ID
		c.logger.Debug("Work received", map[string]interface{}{"id": reply.ID})

		response, err := c.consumer.Execute(reply.Request)
		if err != nil {
			// Task failures are reported, not retried here; the server
			// retries on timeout only.
			c.logger.Error("Task execution failed", map[string]interface{}{
				"id": reply.ID, "error": err.Error(),
			})
			response, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		return c.QueueItemResponse(response)

	default:
		return false, fmt.Errorf("%w: unexpected reply %q to pull request", ErrProtocol, reply.Action)
	}
}

// QueueItemResponse reports the current item's response under its
// stashed id, then burns one iteration and signals ready again or
// stops. Both "OK" and "ignored" acknowledge success — an ignored
// item was already retried server-side and is never retried here.
func (c *Client) QueueItemResponse(response json.RawMessage) (bool, error) {
	ack, err := c.request(protocol.ItemResponse(c.currentID, response))
	if err != nil {
		if c.stopping() {
			return false, nil
		}
		return false, err
	}

	switch ack.Action {
	case protocol.ActionOK, protocol.ActionIgnored:
	default:
		return false, fmt.Errorf("%w: unexpected acknowledgement %q", ErrProtocol, ack.Action)
	}

	c.currentID = 0
	if !c.completedOne() {
		return false, nil
	}
	c.markReady()
	return true, nil
}

// request sends one message. Until the first successful exchange,
// connection errors are retried with backoff: a freshly spawned worker
// can race the master's bind.
func (c *Client) request(msg protocol.Message) (protocol.Message, error) {
	if c.connected {
		return c.channel.Request(msg)
	}

	var reply protocol.Message
	err := retry.Do(context.Background(), retry.DefaultConfig(), channel.IsConnectionError, func() error {
		var reqErr error
		reply, reqErr = c.channel.Request(msg)
		return reqErr
	})
	if err != nil {
		return protocol.Message{}, err
	}
	c.connected = true
	return reply, nil
}
