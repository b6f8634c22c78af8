package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-engine/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSelectSection Action = "select_section"
	ActionAnswer        Action = "answer"
	ActionSubmitSection Action = "submit_section"
	ActionExit          Action = "exit"
	ActionSnapshot      Action = "snapshot"
	ActionPing          Action = "ping"
)

// Request is every client message. Fields beyond Action depend on it:
// select_section needs SectionID, answer needs QuestionID and Answer.
// RequestID is echoed back in the ack or error.
type Request struct {
	Action     Action          `json:"action"`
	RequestID  string          `json:"request_id,omitempty"`
	SectionID  string          `json:"section_id,omitempty"`
	QuestionID string          `json:"question_id,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot Event = "snapshot"
	EventSession  Event = "session"
	EventAck      Event = "ack"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// SnapshotResponse carries the full attempt state. It is sent on connect,
// after every acknowledged action and on request.
type SnapshotResponse struct {
	Event     Event            `json:"event"`
	RequestID string           `json:"request_id,omitempty"`
	Data      session.Snapshot `json:"data"`
}

// SessionResponse forwards one engine event (tick, warning, completion,
// persist status).
type SessionResponse struct {
	Event Event         `json:"event"`
	Data  session.Event `json:"data"`
}

type AckResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Action    Action `json:"action"`
}

type ErrorResponse struct {
	Event     Event             `json:"event"`
	RequestID string            `json:"request_id,omitempty"`
	Code      string            `json:"code"`
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
}
