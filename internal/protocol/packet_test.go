package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/encoding/json"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for request and response envelopes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		env  Envelope
	}{
		{
			name: "request with object data",
			env: Envelope{
				PacketID: "0123456789abcdef0123456789abcdef",
				Type:     TypeRequest,
				Data:     json.RawMessage(`{"route":"ping","arguments":{}}`),
			},
		},
		{
			name: "response with null data",
			env: Envelope{
				PacketID: "fedcba9876543210fedcba9876543210",
				Type:     TypeResponse,
				Data:     json.RawMessage(`null`),
			},
		},
		{
			name: "response with string data",
			env: Envelope{
				PacketID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				Type:     TypeResponse,
				Data:     json.RawMessage(`"pong"`),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.env)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if diff := cmp.Diff(tc.env.PacketID, decoded.PacketID); diff != "" {
				t.Errorf("PacketID mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.env.Type, decoded.Type); diff != "" {
				t.Errorf("Type mismatch (-want +got):\n%s", diff)
			}
			if !jsonEqual(t, tc.env.Data, decoded.Data) {
				t.Errorf("Data mismatch: want %s, got %s", tc.env.Data, decoded.Data)
			}
		})
	}
}

// TestDecodeMissingFields verifies that envelopes missing packet_id, type or
// data decode to ErrUnknownPacket.
func TestDecodeMissingFields(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"missing packet_id", `{"type":"request","data":{}}`},
		{"empty packet_id", `{"packet_id":"","type":"request","data":{}}`},
		{"missing type", `{"packet_id":"abc","data":{}}`},
		{"unknown type", `{"packet_id":"abc","type":"ping","data":{}}`},
		{"missing data", `{"packet_id":"abc","type":"request"}`},
		{"not json", `not json at all`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.raw)); err == nil {
				t.Fatalf("expected decode error for %q", tc.raw)
			}
		})
	}
}

// TestDecodeNullDataIsValid verifies that a JSON null data field is distinct
// from a missing one — responses legitimately carry null data.
func TestDecodeNullDataIsValid(t *testing.T) {
	env, err := Decode([]byte(`{"packet_id":"abc","type":"response","data":null}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(env.Data) != "null" {
		t.Errorf("expected literal null data, got %q", env.Data)
	}
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("invalid want json: %v", err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("invalid got json: %v", err)
	}
	return cmp.Diff(av, bv) == ""
}
