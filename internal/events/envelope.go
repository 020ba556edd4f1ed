// Package events moves domain events through Redis Streams: a publisher appends
// {"payload": "<json>"} records and consumer groups process them at least once.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"gatehouse.dev/internal/obs"
)

// PayloadField is the only field of a published record.
const PayloadField = "payload"

var (
	// ErrMissingPayload marks records that carry no payload field. They are acked and skipped.
	ErrMissingPayload = errors.New("events: record has no payload field")
	// ErrPublish wraps append failures.
	ErrPublish = errors.New("events: publish failed")
)

// Encode serialises event into the record field map.
func Encode(event any) (map[string]any, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("events: encode: %w", err)
	}
	return map[string]any{PayloadField: string(data)}, nil
}

// Decode unmarshals payload into dst. A payload that was encoded twice (a JSON string
// holding JSON) is unwrapped once first.
func Decode(payload string, dst any) error {
	if strings.HasPrefix(payload, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(payload), &inner); err != nil {
			obs.Logger().Warn("unwrap double-encoded payload", "module", "events", "error", err)
		} else {
			payload = inner
		}
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return fmt.Errorf("events: decode: %w", err)
	}
	return nil
}

// Envelope is one record read from a stream.
type Envelope struct {
	Stream  string
	ID      string
	Payload string
}

// EnvelopeFrom extracts the payload of msg.
func EnvelopeFrom(stream string, msg redis.XMessage) (Envelope, error) {
	env := Envelope{Stream: stream, ID: msg.ID}
	raw, ok := msg.Values[PayloadField]
	if !ok || raw == nil {
		return env, ErrMissingPayload
	}
	switch v := raw.(type) {
	case string:
		env.Payload = v
	case []byte:
		env.Payload = string(v)
	default:
		env.Payload = fmt.Sprint(v)
	}
	return env, nil
}

// Decode decodes the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	return Decode(e.Payload, dst)
}
