package nats

import (
	"encoding/json"
	"fmt"
)

// Subject prefixes for NATS topics.
const (
	SubjectEventsPrefix = "prefork.pool.events"
	SubjectControl      = "prefork.control.pool"
)

// SubjectEvent returns the full NATS subject for a pool lifecycle event kind.
func SubjectEvent(kind string) string {
	return fmt.Sprintf("%s.%s", SubjectEventsPrefix, kind)
}

// EventMessage wraps one pool lifecycle event for the wire.
type EventMessage struct {
	Kind      string          `json:"kind"`
	Timestamp string          `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// Marshal serializes the message to JSON.
func (m EventMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ControlMessage represents a pool command sent over NATS. It carries the
// same closed command set the signal interface exposes, plus explicit
// arguments signals cannot express.
type ControlMessage struct {
	// Action is one of scale, scale_to, rolling_restart, shutdown.
	Action    string `json:"action"`
	Delta     int    `json:"delta,omitempty"`    // scale
	Target    int    `json:"target,omitempty"`   // scale_to
	Graceful  bool   `json:"graceful,omitempty"` // shutdown
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Control actions.
const (
	ActionScale          = "scale"
	ActionScaleTo        = "scale_to"
	ActionRollingRestart = "rolling_restart"
	ActionShutdown       = "shutdown"
)

// Marshal serializes the message to JSON.
func (m ControlMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalControl parses a control message from JSON.
func UnmarshalControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
