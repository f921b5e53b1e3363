// Package transport carries client-facing frames over WebSocket
// connections.
//
// A Frame is the envelope for everything that crosses a client socket:
// live subscription deltas going out, subscribe and search requests coming
// in. Connections are owned here; the coordinator only hands frames to a
// ClientConn and never learns about sockets, buffers, or disconnects.
package transport

import (
	"encoding/json"
	"fmt"
)

// Outbound frame types.
const (
	// FrameSearchUpdate carries one live full-text delta.
	FrameSearchUpdate = "SEARCH_UPDATE"
	// FrameQueryUpdate carries one live predicate-query delta.
	FrameQueryUpdate = "QUERY_UPDATE"
	// FrameSubscribed carries the initial result set of a resolved
	// subscription.
	FrameSubscribed = "SUBSCRIBED"
	// FrameSearchResult carries a one-shot cluster search page.
	FrameSearchResult = "SEARCH_RESULT"
	// FrameError reports a failed request.
	FrameError = "ERROR"
)

// Inbound frame types.
const (
	// FrameSubscribeSearch requests a live full-text subscription.
	FrameSubscribeSearch = "SUBSCRIBE_SEARCH"
	// FrameSubscribeQuery requests a live predicate-query subscription.
	FrameSubscribeQuery = "SUBSCRIBE_QUERY"
	// FrameUnsubscribe tears down one subscription by id.
	FrameUnsubscribe = "UNSUBSCRIBE"
	// FrameSearch runs a one-shot cluster search.
	FrameSearch = "SEARCH"
)

// Frame is the wire envelope: a type tag and a JSON payload.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame wraps payload in a frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// ErrorPayload is the body of an ERROR frame.
type ErrorPayload struct {
	RequestType string `json:"requestType,omitempty"`
	Message     string `json:"message"`
}
