// Package protocol defines the wire envelope and route payload shapes
// carried over the Transport, and the codec used to move them to and from
// UTF-8 JSON text.
package protocol

import "github.com/segmentio/encoding/json"

// PacketType identifies the kind of Router-level envelope. The Router has
// no other envelope types.
type PacketType string

const (
	TypeRequest  PacketType = "request"
	TypeResponse PacketType = "response"
)

// Envelope is the outermost JSON object on the wire: {packet_id, type, data}.
// Data stays as raw JSON so the Router never needs to know the shape of
// route traffic — only Client/Server interpret it.
type Envelope struct {
	PacketID string          `json:"packet_id"`
	Type     PacketType      `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// ApplicationType is the value type carried inside an Envelope's Data for
// route traffic, distinct from the Envelope's own Type.
type ApplicationType string

const (
	AppRequest       ApplicationType = "REQUEST"
	AppClientRequest ApplicationType = "CLIENT_REQUEST"
	AppIdentify      ApplicationType = "IDENTIFY"
	AppSuccess       ApplicationType = "SUCCESS_RESPONSE"
	AppFailure       ApplicationType = "FAILURE_RESPONSE"
)

// Packet is the application-level payload carried inside an Envelope's Data
// field for all route and identify traffic.
type Packet struct {
	Identifier string          `json:"identifier"`
	Type       ApplicationType `json:"type"`
	Data       json.RawMessage `json:"data"`
}

// RequestPacket is the Data of a Packet whose Type is REQUEST/CLIENT_REQUEST.
type RequestPacket struct {
	Route     string         `json:"route"`
	Arguments map[string]any `json:"arguments"`
}

// IdentifyData is the Data of a Packet whose Type is IDENTIFY.
type IdentifyData struct {
	SecretKey   string  `json:"secret_key"`
	OverrideKey *string `json:"override_key,omitempty"`
}

// Close codes used on the underlying WebSocket during admission. Values
// 3000-4999 are reserved for application use.
const (
	CloseInvalidSecret       = 4100
	CloseExpectedIdentify    = 4101
	CloseDuplicateIdentifier = 4102
)
