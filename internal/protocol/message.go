package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dps keys used by the app for wrapped RPC traffic. Requests ride under
// "101", responses under "102".
const (
	dpsRequestKey  = "101"
	dpsResponseKey = "102"
)

// Message is the decrypted logical unit carried inside an RPC frame payload.
// A message may arrive bare ({"id":..,"method":..,"params":..}) or wrapped in
// a dps envelope ({"dps":{"101":"<escaped inner json>"},"t":..}); Wrapped
// records which, so replies can mirror the request's shape.
type Message struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Wrapped bool            `json:"-"`
}

type dpsEnvelope struct {
	Dps map[string]json.RawMessage `json:"dps"`
	T   int64                      `json:"t"`
}

// ParseMessage decodes an RPC payload into a Message. ok is false when the
// bytes are valid frame payload but not a recognizable RPC shape (binary map
// data, partial JSON, unknown envelopes); such payloads are opaque and must
// be passed through untouched.
func ParseMessage(plain []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(plain, &msg); err == nil && msg.Method != "" {
		return msg, true
	}

	var env dpsEnvelope
	if err := json.Unmarshal(plain, &env); err != nil || len(env.Dps) == 0 {
		return Message{}, false
	}
	for _, raw := range env.Dps {
		// Wrapped requests are JSON-escaped strings holding the inner
		// request object.
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			continue
		}
		if !strings.Contains(inner, "method") {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(inner), &m); err != nil || m.Method == "" {
			continue
		}
		m.Wrapped = true
		return m, true
	}
	return Message{}, false
}

// EncodeReply serializes a reply message, mirroring the request's envelope:
// a reply to a wrapped request goes back under dps "102", a bare one goes
// back bare.
func EncodeReply(reply Message) ([]byte, error) {
	bare, err := json.Marshal(struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
	}{ID: reply.ID, Result: reply.Result})
	if err != nil {
		return nil, fmt.Errorf("marshal reply %d: %w", reply.ID, err)
	}
	if !reply.Wrapped {
		return bare, nil
	}
	inner, err := json.Marshal(string(bare))
	if err != nil {
		return nil, fmt.Errorf("wrap reply %d: %w", reply.ID, err)
	}
	out, err := json.Marshal(dpsEnvelope{
		Dps: map[string]json.RawMessage{dpsResponseKey: inner},
		T:   time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reply envelope %d: %w", reply.ID, err)
	}
	return out, nil
}
