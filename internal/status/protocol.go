package status

import (
	"strings"

	"github.com/goccy/go-json"
)

type FrameType string

// Client -> server.
const (
	FrameSubscribe FrameType = "SUBSCRIBE"
	FramePing      FrameType = "PING"
)

// Server -> client.
const (
	FrameConnected  FrameType = "CONNECTED"
	FrameSnapshot   FrameType = "EXECUTION_SNAPSHOT"
	FrameNodeUpdate FrameType = "NODE_UPDATE"
	FramePong       FrameType = "PONG"
)

// CloseSessionNotFound is the close code the server uses for an unknown session.
const CloseSessionNotFound = 1008

type NodeStatus string

const (
	NodeIdle    NodeStatus = "idle"
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeError   NodeStatus = "error"
	NodeSkipped NodeStatus = "skipped"
)

// Visual carries the presentation hints the server attaches to a node.
type Visual struct {
	BorderColor string   `json:"borderColor"`
	Icon        string   `json:"icon"`
	Animation   string   `json:"animation,omitempty"`
	Progress    *float64 `json:"progress,omitempty"`
	Badges      []string `json:"badges,omitempty"`
	Glow        bool     `json:"glow,omitempty"`
	Pulse       bool     `json:"pulse,omitempty"`
}

type NodeUpdate struct {
	NodeID    string     `json:"nodeId"`
	Status    NodeStatus `json:"status"`
	Visual    Visual     `json:"visual"`
	Timestamp string     `json:"timestamp"`
	Duration  *int64     `json:"duration,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ExecutionSnapshot is the full state of an execution as pushed by the server.
type ExecutionSnapshot struct {
	ExecutionID    string       `json:"executionId"`
	Status         string       `json:"status"`
	Progress       float64      `json:"progress"`
	TotalNodes     int          `json:"totalNodes"`
	CompletedNodes int          `json:"completedNodes"`
	Nodes          []NodeUpdate `json:"nodes"`
}

// Terminal reports whether the execution has finished.
func (s ExecutionSnapshot) Terminal() bool { return IsTerminal(s.Status) }

// IsTerminal reports whether an execution status is final.
func IsTerminal(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed", "error", "failed", "cancelled", "canceled":
		return true
	}
	return false
}

type inboundFrame struct {
	Type     FrameType       `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Type        FrameType `json:"type"`
	ExecutionID string    `json:"executionId,omitempty"`
}
