package pipeline

import "github.com/hubenschmidt/hero365-voice/internal/triage"

// Outbound message types.
const (
	MsgSessionStarted = "session_started"
	MsgStatus         = "status"
	MsgTranscript     = "transcript"
	MsgRouting        = "routing"
	MsgAudio          = "audio"
	MsgResponse       = "response"
	MsgCancelled      = "cancelled"
	MsgError          = "error"
)

// Message is one outbound payload for a session. Audio travels as a binary
// frame; everything else is JSON.
type Message struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	UnitID    string           `json:"unit_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	Text      string           `json:"text,omitempty"`
	Handlers  []string         `json:"handlers,omitempty"`
	Routing   *triage.Decision `json:"routing,omitempty"`
	Degraded  bool             `json:"degraded,omitempty"`
	HasAudio  bool             `json:"has_audio,omitempty"`
	Seq       int              `json:"seq,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Audio     []byte           `json:"-"`
}

// Relay delivers messages to a session's transport. Send returns
// ErrSessionClosed once the session is gone; the pipeline then stops sending
// for it.
type Relay interface {
	Send(sessionID string, msg Message) error
}

// RelayFunc adapts a function to Relay.
type RelayFunc func(sessionID string, msg Message) error

// Send calls f.
func (f RelayFunc) Send(sessionID string, msg Message) error {
	return f(sessionID, msg)
}
