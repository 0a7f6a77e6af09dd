package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownCommand = errors.New("unknown command")

// Client -> server command names.
const (
	CmdRequestModData        = "RequestModData"
	CmdRequestEnter          = "RequestEnter"
	CmdChunksReady           = "ChunksReady"
	CmdRequestExit           = "RequestExit"
	CmdRequestMoveRelic      = "RequestMoveRelic"
	CmdRequestFeatureUpgrade = "RequestFeatureUpgrade"
	CmdSyncClientData        = "SyncClientData"
)

// Command is a decoded client -> server payload.
type Command interface {
	CommandName() string
}

type RequestModData struct{}

type RequestEnter struct {
	ReturnX     int   `json:"returnX"`
	ReturnY     int   `json:"returnY"`
	ReturnZ     int   `json:"returnZ"`
	FromVehicle bool  `json:"fromVehicle,omitempty"`
	VehicleID   int64 `json:"vehicleId,omitempty"`
	VehicleSeat int   `json:"vehicleSeat,omitempty"`
}

type ChunksReady struct{}

type RequestExit struct{}

// RequestMoveRelic keeps the offsets untyped: they come from an untrusted client and
// are sanitized by the handler.
type RequestMoveRelic struct {
	CornerDx   any    `json:"cornerDx"`
	CornerDy   any    `json:"cornerDy"`
	CornerName string `json:"cornerName,omitempty"`
}

type RequestFeatureUpgrade struct {
	UpgradeID     string   `json:"upgradeId"`
	TargetLevel   int      `json:"targetLevel"`
	TransactionID string   `json:"transactionId"`
	LockedItemIDs []string `json:"lockedItemIds,omitempty"`
}

type SyncClientData struct {
	RoomIDs []int64 `json:"roomIds,omitempty"`
}

func (RequestModData) CommandName() string        { return CmdRequestModData }
func (RequestEnter) CommandName() string          { return CmdRequestEnter }
func (ChunksReady) CommandName() string           { return CmdChunksReady }
func (RequestExit) CommandName() string           { return CmdRequestExit }
func (RequestMoveRelic) CommandName() string      { return CmdRequestMoveRelic }
func (RequestFeatureUpgrade) CommandName() string { return CmdRequestFeatureUpgrade }
func (SyncClientData) CommandName() string        { return CmdSyncClientData }

// EncodeCommand wraps c in a CMD envelope for the refuge module.
func EncodeCommand(c Command) (CommandMsg, error) {
	return encode(c.CommandName(), c)
}

func encode(name string, v any) (CommandMsg, error) {
	args, err := json.Marshal(v)
	if err != nil {
		return CommandMsg{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return CommandMsg{
		Type:            TypeCommand,
		ProtocolVersion: Version,
		Module:          Module,
		Command:         name,
		Args:            args,
	}, nil
}

// DecodeCommand maps a CMD envelope onto its typed payload.
func DecodeCommand(msg CommandMsg) (Command, error) {
	var c Command
	switch msg.Command {
	case CmdRequestModData:
		c = &RequestModData{}
	case CmdRequestEnter:
		c = &RequestEnter{}
	case CmdChunksReady:
		c = &ChunksReady{}
	case CmdRequestExit:
		c = &RequestExit{}
	case CmdRequestMoveRelic:
		c = &RequestMoveRelic{}
	case CmdRequestFeatureUpgrade:
		c = &RequestFeatureUpgrade{}
	case CmdSyncClientData:
		c = &SyncClientData{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}
	if len(msg.Args) > 0 && string(msg.Args) != "null" {
		if err := json.Unmarshal(msg.Args, c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Command, err)
		}
	}
	return deref(c), nil
}

func deref(c Command) Command {
	switch v := c.(type) {
	case *RequestModData:
		return *v
	case *RequestEnter:
		return *v
	case *ChunksReady:
		return *v
	case *RequestExit:
		return *v
	case *RequestMoveRelic:
		return *v
	case *RequestFeatureUpgrade:
		return *v
	case *SyncClientData:
		return *v
	}
	return c
}
