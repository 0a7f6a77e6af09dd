// Package audit defines the refuge audit trail entries. The durable sink lives in
// internal/persistence/log.
package audit

import "refuge.voxelcraft.ai/internal/host"

const (
	ActionCreate        = "REFUGE_CREATE"
	ActionEnter         = "REFUGE_ENTER"
	ActionGenerate      = "REFUGE_GENERATE"
	ActionExit          = "REFUGE_EXIT"
	ActionDeath         = "REFUGE_DEATH"
	ActionMoveRelic     = "REFUGE_MOVE_RELIC"
	ActionUpgrade       = "REFUGE_UPGRADE"
	ActionUpgradeFailed = "REFUGE_UPGRADE_FAILED"
	ActionAssign        = "REFUGE_ASSIGN"
	ActionDelete        = "REFUGE_DELETE"
)

type Entry struct {
	Tick    uint64         `json:"tick"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Pos     [3]int         `json:"pos"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Logger interface {
	WriteAudit(e Entry) error
}

func Pos(v host.Vec3) [3]int { return [3]int{v.X, v.Y, v.Z} }

// Write sends e to l, ignoring a nil logger and write errors.
func Write(l Logger, e Entry) {
	if l == nil {
		return
	}
	_ = l.WriteAudit(e)
}

// Memory collects entries in memory.
type Memory struct {
	Entries []Entry
}

func (m *Memory) WriteAudit(e Entry) error {
	m.Entries = append(m.Entries, e)
	return nil
}

// Actions returns the recorded action names in order.
func (m *Memory) Actions() []string {
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Action
	}
	return out
}
