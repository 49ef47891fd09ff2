package queue

import "encoding/json"

// MessageVersion is the current payload version.
const MessageVersion = 2

// Snapshot is the status/progress pair carried on each side of a change.
type Snapshot struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// Message is a record change notification handed to the pipeline worker.
type Message struct {
	AnalysisID string   `json:"analysisId"`
	RequestID  string   `json:"requestId"`
	Before     Snapshot `json:"before"`
	After      Snapshot `json:"after"`
	EnqueuedAt string   `json:"enqueuedAt"`
	Version    int      `json:"version"`
	// Attempts counts failed deliveries on backends without native redelivery accounting.
	Attempts int `json:"attempts,omitempty"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
