package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion tags every remote-tier entry. Bump it when the cached
// shape changes; readers treat a mismatch as a miss and evict.
const SchemaVersion = 3

// Envelope is the wire form of a remote cache entry. The value is kept
// as raw JSON so the envelope can be inspected (version, age) without
// decoding the payload.
type Envelope struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cached_at"`
	TTL      int64           `json:"ttl"` // seconds
	Version  int             `json:"version"`
}

// WrapEnvelope serializes value into a versioned envelope with the
// given TTL, ready for the remote tier.
func WrapEnvelope(value any, ttl time.Duration) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}
	env := Envelope{
		Value:    raw,
		CachedAt: time.Now().UTC(),
		TTL:      int64(ttl / time.Second),
		Version:  SchemaVersion,
	}
	return json.Marshal(env)
}

// OpenEnvelope parses a remote-tier entry into out. A version mismatch
// returns ErrVersionMismatch so the caller can evict the stale key; a
// malformed entry returns the decode error.
func OpenEnvelope(data []byte, out any) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode cache envelope: %w", err)
	}
	if env.Version != SchemaVersion {
		return &env, ErrVersionMismatch
	}
	if out != nil {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return &env, fmt.Errorf("failed to decode cache value: %w", err)
		}
	}
	return &env, nil
}

// ErrVersionMismatch marks an entry written under a different schema
// version. Callers treat it as a miss and delete the key.
var ErrVersionMismatch = fmt.Errorf("cache envelope version mismatch")

// Remaining returns how much of the envelope's TTL is left. Negative
// once expired.
func (e *Envelope) Remaining(now time.Time) time.Duration {
	expiry := e.CachedAt.Add(time.Duration(e.TTL) * time.Second)
	return expiry.Sub(now)
}

// NeedsRefresh reports whether less than 20% of the original TTL
// remains. Reads finding this true rewrite the entry with a fresh TTL.
func (e *Envelope) NeedsRefresh(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	total := time.Duration(e.TTL) * time.Second
	return e.Remaining(now) < total/5
}
