package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCommandRoundTripKeepsTag(t *testing.T) {
	msg, err := EncodeCommand(RequestFeatureUpgrade{UpgradeID: "lighting", TargetLevel: 1, TransactionID: "T1", LockedItemIDs: []string{"i1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.Type != TypeCommand || msg.Module != Module || msg.Command != CmdRequestFeatureUpgrade {
		t.Fatalf("bad envelope: %+v", msg)
	}
	raw, _ := json.Marshal(msg)
	var back CommandMsg
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c, err := DecodeCommand(back)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	up, ok := c.(RequestFeatureUpgrade)
	if !ok {
		t.Fatalf("decoded %T", c)
	}
	if up.UpgradeID != "lighting" || len(up.LockedItemIDs) != 1 {
		t.Fatalf("payload lost: %+v", up)
	}
}

func TestDecodeCommand_NoArgs(t *testing.T) {
	c, err := DecodeCommand(CommandMsg{Command: CmdChunksReady})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := c.(ChunksReady); !ok {
		t.Fatalf("decoded %T", c)
	}
}

func TestDecodeCommand_Unknown(t *testing.T) {
	_, err := DecodeCommand(CommandMsg{Command: "DropTables"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestMoveRelicKeepsRawOffsets(t *testing.T) {
	c, err := DecodeCommand(CommandMsg{Command: CmdRequestMoveRelic, Args: json.RawMessage(`{"cornerDx":"x","cornerDy":7}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mv := c.(RequestMoveRelic)
	if _, ok := mv.CornerDx.(string); !ok {
		t.Fatalf("cornerDx should stay a string, got %T", mv.CornerDx)
	}
	if v, ok := mv.CornerDy.(float64); !ok || v != 7 {
		t.Fatalf("cornerDy: %#v", mv.CornerDy)
	}
}

func TestDecodeReply(t *testing.T) {
	msg, err := EncodeReply(NewError(ErrCooldown, 12))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r, err := DecodeReply(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	e, ok := r.(Error)
	if !ok || e.MessageKey != ErrCooldown || len(e.MessageArgs) != 1 {
		t.Fatalf("unexpected reply %#v", r)
	}
}
