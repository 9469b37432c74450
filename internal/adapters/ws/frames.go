package ws

import "encoding/json"

// Wire framing: every message on the socket is either an RPC request
// (client -> server), an RPC response correlated by id (server -> client),
// or a pushed event frame (server -> client).

const (
	frameTypeEvent = "event"
	messageTypeRPC = "rpc"
)

// RPCFrame is a client -> server request. ID is a UUIDv4 allocated by the
// client.
type RPCFrame struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload"`
}

// ErrorBody carries the failure detail of an ok=false response.
type ErrorBody struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail"`
}

// ResponseFrame is the server's reply to one RPCFrame.
type ResponseFrame struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// EventFrame is a server -> client push. RequestID is set on synthetic and
// server-side error events so consumers can correlate them to the RPC that
// failed.
type EventFrame struct {
	FrameType string                 `json:"frame_type"`
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload"`
	RequestID string                 `json:"request_id,omitempty"`
}

// inboundFrame is the union the client reader decodes every message into
// before routing.
type inboundFrame struct {
	// Response fields
	ID     string          `json:"id"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`

	// Event fields
	FrameType string                 `json:"frame_type,omitempty"`
	Event     string                 `json:"event,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}
