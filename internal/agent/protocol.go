package agent

import (
	"errors"
	"time"
)

// ConnectPath is the HTTP path of the control channel.
const ConnectPath = "/v1/connect"

const (
	// MaxMessageSize limits a single control message. Data chunks are at most
	// portforwarding.BufferSize before base64 expansion.
	MaxMessageSize = 1 << 20

	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// MessageType identifies a control message.
type MessageType string

const (
	// client -> agent
	TypeReverseStart  MessageType = "reverseStart"
	TypeReverseCancel MessageType = "reverseCancel"
	TypeReverseStop   MessageType = "reverseStop"
	TypeServiceStart  MessageType = "serviceStart"
	TypeServiceStop   MessageType = "serviceStop"

	// agent -> client
	TypeReverseStarted MessageType = "reverseStarted"
	TypeReverseClosed  MessageType = "reverseClosed"
	TypeServiceStarted MessageType = "serviceStarted"
	TypeServiceClosed  MessageType = "serviceClosed"
	TypeError          MessageType = "error"

	// both directions
	TypeReverseData MessageType = "reverseData"
	TypeServiceData MessageType = "serviceData"
)

// Message is one JSON control frame. Which fields are set depends on Type.
// A reverseData message without data announces a new reverse stream.
type Message struct {
	Type     MessageType `json:"type"`
	ReqID    int64       `json:"reqId,omitempty"`
	Port     int         `json:"port,omitempty"`
	StreamID int         `json:"streamId,omitempty"`
	Host     string      `json:"host,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ErrAgentClosed is returned by calls on a closed control channel.
var ErrAgentClosed = errors.New("agent connection closed")
