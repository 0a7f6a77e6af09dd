package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Argument schemas for client -> server commands. Offsets for RequestMoveRelic are left
// untyped on purpose; the handler sanitizes them and reports InvalidCorner.
var commandSchemas = map[string]string{
	CmdRequestModData: `{"type":"object"}`,
	CmdRequestEnter: `{
		"type":"object",
		"required":["returnX","returnY","returnZ"],
		"properties":{
			"returnX":{"type":"integer"},
			"returnY":{"type":"integer"},
			"returnZ":{"type":"integer","minimum":-32,"maximum":32},
			"fromVehicle":{"type":"boolean"},
			"vehicleId":{"type":"integer"},
			"vehicleSeat":{"type":"integer","minimum":0,"maximum":16}
		}
	}`,
	CmdChunksReady: `{"type":"object"}`,
	CmdRequestExit: `{"type":"object"}`,
	CmdRequestMoveRelic: `{
		"type":"object",
		"required":["cornerDx","cornerDy"],
		"properties":{
			"cornerName":{"type":"string","maxLength":32}
		}
	}`,
	CmdRequestFeatureUpgrade: `{
		"type":"object",
		"required":["upgradeId","targetLevel","transactionId"],
		"properties":{
			"upgradeId":{"type":"string","minLength":1,"maxLength":64},
			"targetLevel":{"type":"integer","minimum":1},
			"transactionId":{"type":"string","maxLength":64},
			"lockedItemIds":{"type":"array","maxItems":512,"items":{"type":"string","maxLength":64}}
		}
	}`,
	CmdSyncClientData: `{
		"type":"object",
		"properties":{
			"roomIds":{"type":"array","maxItems":64,"items":{"type":"integer"}}
		}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	schemas = make(map[string]*jsonschema.Schema, len(commandSchemas))
	for name, src := range commandSchemas {
		s, err := jsonschema.CompileString("refuge://"+name+".schema.json", src)
		if err != nil {
			schemasErr = fmt.Errorf("compile %s schema: %w", name, err)
			return
		}
		schemas[name] = s
	}
}

// ValidateArgs checks raw command arguments against the command's schema.
func ValidateArgs(command string, args json.RawMessage) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	s, ok := schemas[command]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	var v any = map[string]any{}
	if len(bytes.TrimSpace(args)) > 0 && string(args) != "null" {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("args: %w", err)
		}
	}
	return s.Validate(v)
}
