package upgrade

import (
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/tuning"
)

type result struct {
	newTier   int
	newRadius int
}

// handler applies one upgrade kind. apply mutates rec in place; the manager saves it.
type handler interface {
	current(rec *registry.Record, def tuning.UpgradeDef) int
	async() bool
	ready(m *Manager, rec *registry.Record, target int) bool
	apply(m *Manager, rec *registry.Record, def tuning.UpgradeDef, target int) (result, string)
	// revert undoes apply's world changes when the record could not be saved.
	revert(m *Manager, rec, prev *registry.Record) error
}

type levelHandler struct{}

func (levelHandler) current(rec *registry.Record, def tuning.UpgradeDef) int { return rec.Level(def.ID) }
func (levelHandler) async() bool                                             { return false }
func (levelHandler) ready(*Manager, *registry.Record, int) bool              { return true }

func (levelHandler) apply(_ *Manager, rec *registry.Record, def tuning.UpgradeDef, target int) (result, string) {
	if rec.Upgrades == nil {
		rec.Upgrades = map[string]int{}
	}
	rec.Upgrades[def.ID] = target
	return result{}, ""
}

func (levelHandler) revert(*Manager, *registry.Record, *registry.Record) error { return nil }

type expandHandler struct{}

func (expandHandler) current(rec *registry.Record, _ tuning.UpgradeDef) int { return rec.Tier }

// Expansion writes the larger ring, so it waits on the scheduler for that area to load.
func (expandHandler) async() bool { return true }

func (expandHandler) ready(m *Manager, rec *registry.Record, target int) bool {
	return m.Generator.AreaLoaded(rec, m.Tuning.RadiusFor(target))
}

func (expandHandler) apply(m *Manager, rec *registry.Record, _ tuning.UpgradeDef, target int) (result, string) {
	oldRadius := rec.Radius
	if !m.Generator.AreaLoaded(rec, m.Tuning.RadiusFor(target)) {
		return result{}, protocol.ErrUpgradeChunksNotLoaded
	}
	if !m.Generator.ExpandRefuge(rec, target) {
		return result{}, protocol.ErrUpgradeFailed
	}
	m.Generator.RemovePerimeter(rec, oldRadius)
	if ok, code := m.Generator.ReseatRelic(rec); !ok {
		m.logf("expand %s: relic stays at (%d,%d): %s", rec.RefugeID, rec.RelicX, rec.RelicY, code)
	}
	rec.LastExpanded = m.Clock.Now().Unix()
	return result{newTier: rec.Tier, newRadius: rec.Radius}, ""
}

func (expandHandler) revert(m *Manager, rec, prev *registry.Record) error {
	return m.Generator.RevertLayout(rec, prev)
}
