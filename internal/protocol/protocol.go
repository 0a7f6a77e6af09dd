package protocol

import "encoding/json"

const Version = "1.0"

// Module is the command namespace. Commands addressed to any other module are ignored.
const Module = "Refuge"

// Message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeCommand     = "CMD"
	TypePlayerState = "PLAYER_STATE"
	TypeInventory   = "INVENTORY"
	TypeModData     = "MODDATA"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
