package main

import (
	"fmt"
	"log"
	"time"

	"refuge.voxelcraft.ai/internal/refuge/client"
	"refuge.voxelcraft.ai/internal/refuge/registry"
)

type stage int

const (
	stageSync stage = iota
	stageEnter
	stageUpgrade
	stageRelic
	stageExit
	stageDone
)

// script walks one player through a refuge visit: sync, enter, optional upgrade,
// optional relic move, exit. Commands are spaced by gap to stay under the server's
// per-player rate limit.
type script struct {
	upgradeID    string
	upgradeLevel int
	relic        *[2]int
	gap          time.Duration
	logger       *log.Logger

	stage     stage
	lastSent  time.Time
	txID      string
	relicSent bool
	err       error
}

func (s *script) ready(now time.Time) bool { return now.Sub(s.lastSent) >= s.gap }

func (s *script) sent(now time.Time) { s.lastSent = now }

// step is the client.Run callback; it returns true when the script has finished.
func (s *script) step(c *client.Client) bool {
	now := time.Now()
	if c.Phase() == client.PhaseError && s.stage < stageExit {
		e, _ := c.LastError()
		s.err = fmt.Errorf("entry failed: %s", e.Error())
		return true
	}
	switch s.stage {
	case stageSync:
		if !c.Synced() {
			return false
		}
		s.logger.Printf("mod data synced: %d refuges", len(c.Mirror()))
		if !s.ready(now) {
			return false
		}
		if err := c.Enter(); err != nil {
			s.err = err
			return true
		}
		s.sent(now)
		s.stage = stageEnter

	case stageEnter:
		if c.Phase() != client.PhaseReady {
			return false
		}
		rec, _ := c.Refuge()
		if rec != nil {
			s.logger.Printf("inside %s tier=%d radius=%d", rec.RefugeID, rec.Tier, rec.Radius)
		}
		s.stage = stageUpgrade

	case stageUpgrade:
		if s.upgradeID == "" {
			s.stage = stageRelic
			return false
		}
		if s.txID == "" {
			if !s.ready(now) {
				return false
			}
			c.ClearError()
			tx, err := c.Upgrade(s.upgradeID, s.upgradeLevel)
			if err != nil {
				s.logger.Printf("upgrade %s: %v", s.upgradeID, err)
				s.stage = stageRelic
				return false
			}
			s.sent(now)
			s.txID = tx
			return false
		}
		if c.PendingUpgrades() > 0 {
			return false
		}
		if lvl, ok := c.UpgradeLevel(s.upgradeID); ok && lvl >= s.upgradeLevel {
			s.logger.Printf("upgrade %s now level %d", s.upgradeID, lvl)
		} else if e, ok := c.LastError(); ok {
			s.logger.Printf("upgrade %s failed: %s", s.upgradeID, e.Error())
		}
		s.stage = stageRelic

	case stageRelic:
		if s.relic == nil {
			s.stage = stageExit
			return false
		}
		if !s.relicSent {
			if !s.ready(now) {
				return false
			}
			c.ClearError()
			c.MoveRelic(s.relic[0], s.relic[1])
			s.sent(now)
			s.relicSent = true
			return false
		}
		want, _ := registry.CornerName(s.relic[0], s.relic[1])
		if rec, ok := c.Refuge(); ok && rec.RelicCorner == want {
			s.logger.Printf("relic at %s (%d,%d)", want, rec.RelicX, rec.RelicY)
			s.stage = stageExit
		} else if e, ok := c.LastError(); ok {
			s.logger.Printf("move relic failed: %s", e.Error())
			s.stage = stageExit
		}

	case stageExit:
		if !s.ready(now) {
			return false
		}
		c.ClearError()
		c.Exit()
		s.sent(now)
		s.stage = stageDone

	case stageDone:
		if c.Phase() == client.PhaseIdle {
			st := c.State()
			s.logger.Printf("back at (%d,%d,%d)", st.Pos.X, st.Pos.Y, st.Pos.Z)
			return true
		}
		if e, ok := c.LastError(); ok {
			s.err = fmt.Errorf("exit failed: %s", e.Error())
			return true
		}
	}
	return false
}
