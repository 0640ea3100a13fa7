// Package envelope defines the relay envelope wire type and its opaque
// payload, preserved byte-for-byte through queue and pub/sub round-trips.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Kind distinguishes a direct delivery from an echo copy sent to the
// sender's other live sessions.
type Kind string

const (
	KindDirect Kind = "direct"
	KindEcho   Kind = "echo"
)

// Payload is an opaque octet sequence. It round-trips through JSON as a
// base64 string so binary payloads are never mangled by re-encoding, and
// through Redis the same way since the queue stores JSON envelopes.
type Payload []byte

// MarshalJSON encodes the payload as a base64 string.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p))
}

// UnmarshalJSON decodes a base64 string back into raw bytes.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errors.New("envelope: payload is not valid base64")
	}
	*p = decoded
	return nil
}

// Envelope is the record relayed between identities.
type Envelope struct {
	MsgID     string  `json:"msg_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"`
	Kind      Kind    `json:"kind"`
}

// Clone returns a deep copy so callers fanning an envelope out to multiple
// sessions never share a mutable payload slice.
func (e Envelope) Clone() Envelope {
	cp := e
	cp.Payload = append(Payload(nil), e.Payload...)
	return cp
}

// AsEcho returns a copy of the envelope tagged as an echo, per §4.4 step 7.
func (e Envelope) AsEcho() Envelope {
	cp := e.Clone()
	cp.Kind = KindEcho
	return cp
}

// Size returns the payload length in bytes, used for the §4.4 step 3
// MAX_PAYLOAD_SIZE check.
func (e Envelope) Size() int {
	return len(e.Payload)
}
