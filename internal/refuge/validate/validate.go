// Package validate holds the pure gatekeeping checks run by the server before any
// refuge mutation. Every function is total: it returns an answer for any input.
package validate

import (
	"encoding/json"
	"math"
	"strconv"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/tuning"
)

// EntryLimits are the tunables CanEnterRefuge needs.
type EntryLimits struct {
	OverloadRatio float64
}

func LimitsFrom(t tuning.Tuning) EntryLimits {
	return EntryLimits{OverloadRatio: t.Entry.OverloadRatio}
}

// CanEnterRefuge reports whether a player in state s may teleport. The reason is a
// protocol message key, empty on success.
func CanEnterRefuge(s host.PlayerState, lim EntryLimits) (bool, string) {
	switch {
	case s.Dead:
		return false, protocol.ErrDead
	case s.Busy:
		return false, protocol.ErrBusy
	case s.Vehicle != nil:
		return false, protocol.ErrInVehicle
	case s.Falling:
		return false, protocol.ErrFalling
	case s.Climbing:
		return false, protocol.ErrClimbing
	}
	if Overloaded(s, lim) {
		return false, protocol.ErrOverloaded
	}
	return true, ""
}

// Overloaded reports whether carried weight exceeds the entry threshold.
func Overloaded(s host.PlayerState, lim EntryLimits) bool {
	if s.MaxWeight <= 0 || lim.OverloadRatio <= 0 {
		return false
	}
	return s.Weight > s.MaxWeight*lim.OverloadRatio
}

// CanUpgradeRefuge reports whether rec can move to the next tier and returns that tier's definition.
// Material availability is checked separately at consumption time.
func CanUpgradeRefuge(rec *registry.Record, t tuning.Tuning) (bool, string, tuning.TierDef) {
	if rec == nil {
		return false, protocol.ErrNoRefuge, tuning.TierDef{}
	}
	if rec.Tier >= t.MaxTier() {
		return false, protocol.ErrUpgradeMaxed, tuning.TierDef{}
	}
	next, ok := t.Tier(rec.Tier + 1)
	if !ok {
		return false, protocol.ErrUpgradeMaxed, tuning.TierDef{}
	}
	return true, "", next
}

// ValidateCornerOffset sanitizes an untrusted corner offset. Numeric values are rounded
// and clamped into {-1, 0, 1}; anything else (strings, NaN, nil, bools) fails.
func ValidateCornerOffset(dx, dy any) (bool, int, int) {
	x, ok := toFloat(dx)
	if !ok {
		return false, 0, 0
	}
	y, ok := toFloat(dy)
	if !ok {
		return false, 0, 0
	}
	return true, clampUnit(x), clampUnit(y)
}

// CornerFromOffset sanitizes an offset and resolves its corner name. Edge midpoints
// sanitize successfully but are not relic positions.
func CornerFromOffset(dx, dy any) (name string, cdx, cdy int, ok bool) {
	valid, cdx, cdy := ValidateCornerOffset(dx, dy)
	if !valid {
		return "", 0, 0, false
	}
	name, ok = registry.CornerName(cdx, cdy)
	return name, cdx, cdy, ok
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		p, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func clampUnit(f float64) int {
	r := math.Round(f)
	if r < -1 {
		return -1
	}
	if r > 1 {
		return 1
	}
	return int(r)
}
