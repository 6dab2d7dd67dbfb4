package session

import (
	"bytes"
	"encoding/json"
)

// Client message types.
const (
	TypeStart = "start"
	TypeAudio = "audio"
	TypeStop  = "stop"
)

// Server event types.
const (
	TypeStarted    = "started"
	TypeTranscript = "transcript"
	TypeError      = "error"
)

const (
	pingText = "ping"
	pongText = "pong"
)

// MessageConfigMissing is reported when no vendor app id is configured.
const MessageConfigMissing = "ASR configuration missing"

// ClientMessage is a control or audio message from the client.
type ClientMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

type StartedEvent struct {
	Type string `json:"type"`
}

type TranscriptEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func isPing(msg []byte) bool {
	return string(bytes.TrimSpace(msg)) == pingText
}

// parseClientMessage reports false for anything that is not a JSON object
// with a type.
func parseClientMessage(msg []byte) (ClientMessage, bool) {
	var m ClientMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return ClientMessage{}, false
	}
	if m.Type == "" {
		return ClientMessage{}, false
	}
	return m, true
}
