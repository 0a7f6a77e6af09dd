// Package cooldown tracks per-player use timestamps in server memory. Nothing here is
// persisted or replicated; a fresh Tracker after a restart starts empty.
package cooldown

import (
	"math"
	"time"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/tuning"
)

type Kind int

const (
	Teleport Kind = iota
	RelicMove
)

func (k Kind) String() string {
	switch k {
	case Teleport:
		return "teleport"
	case RelicMove:
		return "relic_move"
	default:
		return "unknown"
	}
}

// Tracker is used only from the server tick goroutine.
type Tracker struct {
	clock     host.Clock
	durations map[Kind]time.Duration
	// started holds the effective start of the current cooldown, which may be in the
	// future when a penalty was folded in.
	started map[Kind]map[string]time.Time
}

func New(clock host.Clock, durations map[Kind]time.Duration) *Tracker {
	if clock == nil {
		clock = host.SystemClock{}
	}
	d := make(map[Kind]time.Duration, len(durations))
	for k, v := range durations {
		d[k] = v
	}
	return &Tracker{clock: clock, durations: d, started: map[Kind]map[string]time.Time{}}
}

// FromTuning builds a tracker with difficulty-scaled durations.
func FromTuning(clock host.Clock, t tuning.Tuning) *Tracker {
	return New(clock, map[Kind]time.Duration{
		Teleport:  seconds(t.Scale("cooldown", t.Cooldowns.TeleportSeconds)),
		RelicMove: seconds(t.Scale("cooldown", t.Cooldowns.RelicMoveSeconds)),
	})
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func (t *Tracker) Duration(k Kind) time.Duration { return t.durations[k] }

// Check reports whether username may use kind now and, if not, how long remains.
func (t *Tracker) Check(k Kind, username string) (bool, time.Duration) {
	start, ok := t.started[k][username]
	if !ok {
		return true, 0
	}
	remaining := start.Add(t.durations[k]).Sub(t.clock.Now())
	if remaining <= 0 {
		delete(t.started[k], username)
		return true, 0
	}
	return false, remaining
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds for display.
func (t *Tracker) RemainingSeconds(k Kind, username string) int {
	_, rem := t.Check(k, username)
	return int(math.Ceil(rem.Seconds()))
}

func (t *Tracker) RecordUse(k Kind, username string) {
	t.RecordUseWithPenalty(k, username, 0)
}

// RecordUseWithPenalty starts the cooldown with its start pushed forward by penalty.
func (t *Tracker) RecordUseWithPenalty(k Kind, username string, penalty time.Duration) {
	m := t.started[k]
	if m == nil {
		m = map[string]time.Time{}
		t.started[k] = m
	}
	if penalty < 0 {
		penalty = 0
	}
	m[username] = t.clock.Now().Add(penalty)
}

// Forget drops every cooldown held for username.
func (t *Tracker) Forget(username string) {
	for _, m := range t.started {
		delete(m, username)
	}
}

// EncumbrancePenalty is the extra cooldown for carrying more than the player's normal
// capacity, linear in the excess weight and capped.
func EncumbrancePenalty(s host.PlayerState, e tuning.Encumbrance) time.Duration {
	if s.MaxWeight <= 0 || s.Weight <= s.MaxWeight || e.PenaltySecondsPerUnit <= 0 {
		return 0
	}
	sec := (s.Weight - s.MaxWeight) * e.PenaltySecondsPerUnit
	if e.MaxPenaltySeconds > 0 && sec > e.MaxPenaltySeconds {
		sec = e.MaxPenaltySeconds
	}
	return seconds(sec)
}
