package matchmaker

import (
	"encoding/json"
	"fmt"
)

// SessionRequest is one inbound matchmaking request. client_ip is the
// only required field; everything else travels in Extra for
// forward-compatible extension fields.
type SessionRequest struct {
	ClientIP string
	Extra    map[string]json.RawMessage
}

// ParseSessionRequest decodes a request payload, requiring a string
// client_ip field.
func ParseSessionRequest(raw []byte) (*SessionRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode session request: %w", err)
	}
	rawIP, ok := fields["client_ip"]
	if !ok {
		return nil, fmt.Errorf("missing client_ip field")
	}
	var clientIP string
	if err := json.Unmarshal(rawIP, &clientIP); err != nil {
		return nil, fmt.Errorf("client_ip is not a string")
	}
	delete(fields, "client_ip")
	return &SessionRequest{ClientIP: clientIP, Extra: fields}, nil
}

// Encode serializes the request back to its wire form.
func (r *SessionRequest) Encode() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+1)
	for k, v := range r.Extra {
		fields[k] = v
	}
	ip, err := json.Marshal(r.ClientIP)
	if err != nil {
		return nil, err
	}
	fields["client_ip"] = ip
	return json.Marshal(fields)
}
