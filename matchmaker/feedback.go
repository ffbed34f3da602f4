package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Feedback is one progress event streamed back to a requesting client.
// The wire encoding is an externally tagged JSON object, e.g.
// {"Acknowledged":null} or {"Error":[408,"timed out"]}, matching what
// the game client plugins already parse.
type Feedback interface {
	json.Marshaler
	feedback()
}

// FeedbackSink receives the event stream for one session request. Send
// is called for each event; Finish signals end-of-stream so the
// transport can close cleanly.
type FeedbackSink interface {
	Send(ctx context.Context, fb Feedback) error
	Finish(ctx context.Context) error
}

// Acknowledged: the coordinator has begun processing the request.
type Acknowledged struct{}

// SessionRequestAccepted: the provider created the session; readiness
// polling starts now.
type SessionRequestAccepted struct {
	SessionID string
}

// ProgressReport carries a human-readable readiness update.
type ProgressReport struct {
	Message string
}

// SessionReady carries everything a client needs to connect.
type SessionReady struct {
	Token      string `json:"token"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	CertDigest string `json:"cert_digest"`
}

// ErrorFeedback terminates the stream with a code and message.
type ErrorFeedback struct {
	Code    uint16
	Message string
}

func (Acknowledged) feedback()           {}
func (SessionRequestAccepted) feedback() {}
func (ProgressReport) feedback()         {}
func (SessionReady) feedback()           {}
func (ErrorFeedback) feedback()          {}

func (Acknowledged) MarshalJSON() ([]byte, error) {
	return []byte(`{"Acknowledged":null}`), nil
}

func (f SessionRequestAccepted) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"SessionRequestAccepted": f.SessionID})
}

func (f ProgressReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"ProgressReport": f.Message})
}

func (f SessionReady) MarshalJSON() ([]byte, error) {
	type payload SessionReady
	return json.Marshal(map[string]payload{"SessionReady": payload(f)})
}

func (f ErrorFeedback) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][2]any{"Error": {f.Code, f.Message}})
}

func (f ErrorFeedback) Error() string {
	return fmt.Sprintf("session request error %d: %s", f.Code, f.Message)
}

// ParseFeedback decodes one wire event. Client plugins and the gateway
// tests use this to interpret the stream.
func ParseFeedback(raw []byte) (Feedback, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	if len(outer) != 1 {
		return nil, fmt.Errorf("feedback must have exactly one variant, got %d", len(outer))
	}
	for tag, body := range outer {
		switch tag {
		case "Acknowledged":
			return Acknowledged{}, nil
		case "SessionRequestAccepted":
			var id string
			if err := json.Unmarshal(body, &id); err != nil {
				return nil, err
			}
			return SessionRequestAccepted{SessionID: id}, nil
		case "ProgressReport":
			var msg string
			if err := json.Unmarshal(body, &msg); err != nil {
				return nil, err
			}
			return ProgressReport{Message: msg}, nil
		case "SessionReady":
			var ready SessionReady
			if err := json.Unmarshal(body, &ready); err != nil {
				return nil, err
			}
			return ready, nil
		case "Error":
			var tuple []json.RawMessage
			if err := json.Unmarshal(body, &tuple); err != nil {
				return nil, err
			}
			if len(tuple) != 2 {
				return nil, fmt.Errorf("error feedback must be [code, message]")
			}
			var fb ErrorFeedback
			if err := json.Unmarshal(tuple[0], &fb.Code); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(tuple[1], &fb.Message); err != nil {
				return nil, err
			}
			return fb, nil
		default:
			return nil, fmt.Errorf("unknown feedback variant %q", tag)
		}
	}
	return nil, fmt.Errorf("empty feedback")
}
