package protocol

import (
	"encoding/json"

	"refuge.voxelcraft.ai/internal/host"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Username        string `json:"username"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Username        string `json:"username"`
	TickRateHz      int    `json:"tick_rate_hz"`
	Mode            string `json:"mode,omitempty"`
}

// PLAYER_STATE (client -> server): host replication of the client-owned player state.
type PlayerStateMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	State           host.PlayerState `json:"state"`
}

// INVENTORY (server -> client): host replication of the player's inventory.
type InventoryMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Inventory       *host.Container `json:"inventory"`
}

// MODDATA (server -> client): the whole refuge registry, wire-safe.
type ModDataMsg struct {
	Type            string                `json:"type"`
	ProtocolVersion string                `json:"protocol_version"`
	Refuges         map[string]RefugeData `json:"refuges"`
}

// CMD (both directions): one namespaced mod command.
type CommandMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Module          string          `json:"module"`
	Command         string          `json:"command"`
	Args            json.RawMessage `json:"args,omitempty"`
}

// RefugeData is the subset of a refuge record that may leave the server.
type RefugeData struct {
	RefugeID      string         `json:"refugeId"`
	Username      string         `json:"username"`
	CenterX       int            `json:"centerX"`
	CenterY       int            `json:"centerY"`
	CenterZ       int            `json:"centerZ"`
	Tier          int            `json:"tier"`
	Radius        int            `json:"radius"`
	Upgrades      map[string]int `json:"upgrades,omitempty"`
	RelicX        int            `json:"relicX"`
	RelicY        int            `json:"relicY"`
	RelicZ        int            `json:"relicZ"`
	RelicCorner   string         `json:"relicCorner"`
	RelicCornerDx int            `json:"relicCornerDx"`
	RelicCornerDy int            `json:"relicCornerDy"`
	CreatedTime   int64          `json:"createdTime"`
	LastExpanded  int64          `json:"lastExpanded,omitempty"`
	DataVersion   int            `json:"dataVersion"`
	RoomIDs       []int64        `json:"roomIds,omitempty"`
}

type ReturnPosition struct {
	X           int   `json:"x"`
	Y           int   `json:"y"`
	Z           int   `json:"z"`
	FromVehicle bool  `json:"fromVehicle,omitempty"`
	VehicleID   int64 `json:"vehicleId,omitempty"`
	VehicleSeat int   `json:"vehicleSeat,omitempty"`
	VehicleX    int   `json:"vehicleX,omitempty"`
	VehicleY    int   `json:"vehicleY,omitempty"`
	VehicleZ    int   `json:"vehicleZ,omitempty"`
}
