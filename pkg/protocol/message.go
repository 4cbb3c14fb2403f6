package protocol

import "encoding/json"

// Actions exchanged over the queue channel. A worker sends
// queueItemRequest to pull work and queueItemResponse to report a
// result; the server answers with a work item, "done" when nothing is
// available, or an acknowledgement ("OK" or "ignored").
const (
	ActionItemRequest  = "queueItemRequest"
	ActionItemResponse = "queueItemResponse"
	ActionDone         = "done"
	ActionOK           = "OK"
	ActionIgnored      = "ignored"
)

// Message is the JSON envelope carried over the request/reply channel.
// Request and Response payloads are opaque to the core.
type Message struct {
	Action   string          `json:"action"`
	ID       int64           `json:"id,omitempty"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ItemRequest builds a worker pull request
func ItemRequest() Message {
	return Message{Action: ActionItemRequest}
}

// ItemResponse builds a worker completion report for a dispatched item
func ItemResponse(id int64, response json.RawMessage) Message {
	return Message{Action: ActionItemResponse, ID: id, Response: response}
}

// Work builds the server reply carrying a dispatched item
func Work(id int64, request json.RawMessage) Message {
	return Message{Action: ActionItemRequest, ID: id, Request: request}
}

// Done builds the server reply meaning "nothing available now"
func Done() Message {
	return Message{Action: ActionDone}
}

// OK builds the acknowledgement for an accepted completion report
func OK() Message {
	return Message{Action: ActionOK}
}

// Ignored builds the acknowledgement for a stale or duplicate completion report
func Ignored() Message {
	return Message{Action: ActionIgnored}
}
