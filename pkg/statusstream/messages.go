package statusstream

import "time"

// Message is one frame sent to every connected viewer.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   int64       `json:"at"` // unix millis
}

// Message type constants.
const (
	TypeSnapshot = "snapshot"      // full instrument book
	TypeEngine   = "engine_status" // running/halted summary
	TypeHalt     = "halt"
	TypeSession  = "session"
)

// NewMessage stamps a message with the current time.
func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data, At: time.Now().UnixMilli()}
}
