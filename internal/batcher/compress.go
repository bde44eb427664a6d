package batcher

import (
	"encoding/json"

	"github.com/golang/snappy"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

// compressThreshold is the serialized size above which a batch is
// snappy-encoded before hitting the wire.
const compressThreshold = 4096

// Envelope is the wire form of one combined emission.
type Envelope struct {
	Target     string `json:"target"`
	Count      int    `json:"count"`
	Compressed bool   `json:"compressed"`
	Body       []byte `json:"body"`
}

// Pack serializes a batch into an envelope, compressing large bodies.
// It is a pure function applied at the call site; small batches are
// passed through untouched.
func Pack(target string, events []core.Event) (Envelope, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{Target: target, Count: len(events), Body: body}
	if len(body) > compressThreshold {
		env.Body = snappy.Encode(nil, body)
		env.Compressed = true
	}
	return env, nil
}

// Unpack restores the events from an envelope.
func Unpack(env Envelope) ([]core.Event, error) {
	body := env.Body
	if env.Compressed {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}

	var events []core.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, err
	}
	return events, nil
}
