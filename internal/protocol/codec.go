package protocol

import (
	"github.com/1ureka/wsrpc/internal/rpcerr"
	"github.com/segmentio/encoding/json"
)

// Encode serializes an Envelope to canonical JSON text for transmission.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses text to an Envelope and validates the presence of
// packet_id, type and data. Missing fields yield rpcerr.ErrUnknownPacket —
// the Router treats this as non-terminal: log and discard.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, rpcerr.ErrUnknownPacket
	}
	if env.PacketID == "" {
		return Envelope{}, rpcerr.ErrUnknownPacket
	}
	if env.Type != TypeRequest && env.Type != TypeResponse {
		return Envelope{}, rpcerr.ErrUnknownPacket
	}
	if env.Data == nil {
		return Envelope{}, rpcerr.ErrUnknownPacket
	}
	return env, nil
}
