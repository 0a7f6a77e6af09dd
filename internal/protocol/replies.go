package protocol

import (
	"encoding/json"
	"fmt"
)

// Server -> client reply names.
const (
	ReplyModDataResponse        = "ModDataResponse"
	ReplyTeleportTo             = "TeleportTo"
	ReplyGenerationComplete     = "GenerationComplete"
	ReplyExitReady              = "ExitReady"
	ReplyMoveRelicComplete      = "MoveRelicComplete"
	ReplyFeatureUpgradeComplete = "FeatureUpgradeComplete"
	ReplyFeatureUpgradeError    = "FeatureUpgradeError"
	ReplyClearZombies           = "ClearZombies"
	ReplyError                  = "Error"
)

type Reply interface {
	ReplyName() string
}

type ModDataResponse struct {
	RefugeData     *RefugeData     `json:"refugeData"`
	ReturnPosition *ReturnPosition `json:"returnPosition,omitempty"`
}

type TeleportTo struct {
	CenterX            int     `json:"centerX"`
	CenterY            int     `json:"centerY"`
	CenterZ            int     `json:"centerZ"`
	Tier               int     `json:"tier"`
	Radius             int     `json:"radius"`
	RefugeID           string  `json:"refugeId"`
	EncumbrancePenalty float64 `json:"encumbrancePenalty"`
}

type GenerationComplete struct {
	CenterX int     `json:"centerX"`
	CenterY int     `json:"centerY"`
	CenterZ int     `json:"centerZ"`
	Tier    int     `json:"tier"`
	Radius  int     `json:"radius"`
	RoomIDs []int64 `json:"roomIds,omitempty"`
}

type ExitReady struct {
	ReturnX     int   `json:"returnX"`
	ReturnY     int   `json:"returnY"`
	ReturnZ     int   `json:"returnZ"`
	FromVehicle bool  `json:"fromVehicle,omitempty"`
	VehicleID   int64 `json:"vehicleId,omitempty"`
	VehicleSeat int   `json:"vehicleSeat,omitempty"`
	VehicleX    int   `json:"vehicleX,omitempty"`
	VehicleY    int   `json:"vehicleY,omitempty"`
	VehicleZ    int   `json:"vehicleZ,omitempty"`
}

type MoveRelicComplete struct {
	CornerName string      `json:"cornerName"`
	CornerDx   int         `json:"cornerDx"`
	CornerDy   int         `json:"cornerDy"`
	RefugeData *RefugeData `json:"refugeData"`
}

type FeatureUpgradeComplete struct {
	TransactionID string      `json:"transactionId"`
	UpgradeID     string      `json:"upgradeId"`
	NewLevel      int         `json:"newLevel"`
	RefugeData    *RefugeData `json:"refugeData"`
	NewTier       int         `json:"newTier,omitempty"`
	NewRadius     int         `json:"newRadius,omitempty"`
}

type FeatureUpgradeError struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
	ReasonArgs    []any  `json:"reasonArgs,omitempty"`
}

type ClearZombies struct {
	ZombieIDs []int64 `json:"zombieIDs"`
}

// Error carries either a localizable key (preferred) or a raw message.
type Error struct {
	Message       string `json:"message,omitempty"`
	MessageKey    string `json:"messageKey,omitempty"`
	MessageArgs   []any  `json:"messageArgs,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

func NewError(key string, args ...any) Error {
	return Error{MessageKey: key, MessageArgs: args}
}

func (e Error) Error() string {
	if e.MessageKey != "" {
		return fmt.Sprintf("%s %v", e.MessageKey, e.MessageArgs)
	}
	return e.Message
}

func (ModDataResponse) ReplyName() string        { return ReplyModDataResponse }
func (TeleportTo) ReplyName() string             { return ReplyTeleportTo }
func (GenerationComplete) ReplyName() string     { return ReplyGenerationComplete }
func (ExitReady) ReplyName() string              { return ReplyExitReady }
func (MoveRelicComplete) ReplyName() string      { return ReplyMoveRelicComplete }
func (FeatureUpgradeComplete) ReplyName() string { return ReplyFeatureUpgradeComplete }
func (FeatureUpgradeError) ReplyName() string    { return ReplyFeatureUpgradeError }
func (ClearZombies) ReplyName() string           { return ReplyClearZombies }
func (Error) ReplyName() string                  { return ReplyError }

func EncodeReply(r Reply) (CommandMsg, error) {
	return encode(r.ReplyName(), r)
}

func DecodeReply(msg CommandMsg) (Reply, error) {
	var err error
	unmarshal := func(v any) {
		if len(msg.Args) > 0 {
			err = json.Unmarshal(msg.Args, v)
		}
	}
	var r Reply
	switch msg.Command {
	case ReplyModDataResponse:
		var v ModDataResponse
		unmarshal(&v)
		r = v
	case ReplyTeleportTo:
		var v TeleportTo
		unmarshal(&v)
		r = v
	case ReplyGenerationComplete:
		var v GenerationComplete
		unmarshal(&v)
		r = v
	case ReplyExitReady:
		var v ExitReady
		unmarshal(&v)
		r = v
	case ReplyMoveRelicComplete:
		var v MoveRelicComplete
		unmarshal(&v)
		r = v
	case ReplyFeatureUpgradeComplete:
		var v FeatureUpgradeComplete
		unmarshal(&v)
		r = v
	case ReplyFeatureUpgradeError:
		var v FeatureUpgradeError
		unmarshal(&v)
		r = v
	case ReplyClearZombies:
		var v ClearZombies
		unmarshal(&v)
		r = v
	case ReplyError:
		var v Error
		unmarshal(&v)
		r = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Command, err)
	}
	return r, nil
}
