package relay

import (
	"encoding/json"
	"time"
)

// Reserved envelope types emitted by the hub. Any other type is
// application-defined and passed through opaquely.
const (
	TypeSessionStatus = "session.status"
	TypeSessionEnded  = "session.ended"
	TypeHeartbeat     = "heartbeat"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

// Participant status values carried in session.status payloads.
const (
	StatusParticipantJoined = "participant_joined"
	StatusParticipantLeft   = "participant_left"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	TS        string          `json:"ts,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusPayload is the payload of a session.status envelope.
type StatusPayload struct {
	Status string `json:"status"`
	Role   Role   `json:"role"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseEnvelope decodes an inbound frame. A frame that is not JSON or has no
// type is reported as not-ok and silently dropped by the caller: echoing
// errors for arbitrary noise would invite amplification.
func parseEnvelope(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	if env.Type == "" {
		return Envelope{}, false
	}
	return env, true
}

func controlEnvelope(envType, sessionID string, payload any, now time.Time) Envelope {
	env := Envelope{
		Type:      envType,
		TS:        now.UTC().Format(time.RFC3339),
		SessionID: sessionID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			env.Payload = raw
		}
	}
	return env
}
