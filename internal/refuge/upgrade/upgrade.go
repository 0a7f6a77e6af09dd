// Package upgrade is the server half of refuge upgrade transactions. It revalidates
// every request on its own, guards against duplicate submissions, consumes items
// all-or-nothing and applies the upgrade through a per-kind handler.
package upgrade

import (
	"log"
	"time"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/metrics"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/structure"
	"refuge.voxelcraft.ai/internal/sched"
	"refuge.voxelcraft.ai/internal/tuning"
)

type Sender func(username string, r protocol.Reply)

type Deps struct {
	Registry  *registry.Registry
	Generator *structure.Generator
	Scheduler *sched.Scheduler
	Tuning    tuning.Tuning
	Clock     host.Clock
	Send      Sender
	// InventoryChanged is called after items were removed from a player's inventory.
	InventoryChanged func(username string)
	Metrics          *metrics.Metrics
	Audit            audit.Logger
	Log              *log.Logger
}

type lockKey struct {
	username string
	upgrade  string
}

type Manager struct {
	Deps
	handlers  map[string]handler
	pending   map[lockKey]time.Time
	completed map[lockKey]time.Time
}

func New(d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = host.SystemClock{}
	}
	return &Manager{
		Deps: d,
		handlers: map[string]handler{
			tuning.KindLevel:        levelHandler{},
			tuning.KindExpandRefuge: expandHandler{},
		},
		pending:   map[lockKey]time.Time{},
		completed: map[lockKey]time.Time{},
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.Log != nil {
		m.Log.Printf(format, args...)
	}
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Pending reports whether a request for (username, upgradeID) is being processed.
func (m *Manager) Pending(username, upgradeID string) bool {
	at, ok := m.pending[lockKey{username, upgradeID}]
	if !ok {
		return false
	}
	if m.Clock.Now().Sub(at) >= seconds(m.Tuning.Timing.PendingLockSeconds) {
		delete(m.pending, lockKey{username, upgradeID})
		return false
	}
	return true
}

func (m *Manager) recentlyCompleted(k lockKey) bool {
	at, ok := m.completed[k]
	if !ok {
		return false
	}
	if m.Clock.Now().Sub(at) >= seconds(m.Tuning.Timing.CompletionCooldownSeconds) {
		delete(m.completed, k)
		return false
	}
	return true
}

// Forget drops the locks held for username (disconnect).
func (m *Manager) Forget(username string) {
	for k := range m.pending {
		if k.username == username {
			delete(m.pending, k)
		}
	}
	for k := range m.completed {
		if k.username == username {
			delete(m.completed, k)
		}
	}
}

type job struct {
	player host.Player
	name   string
	req    protocol.RequestFeatureUpgrade
	def    tuning.UpgradeDef
	h      handler
	key    lockKey
	target int
}

func (m *Manager) reject(j *job, reason string, args ...any) {
	m.Metrics.Upgrade(j.req.UpgradeID, "rejected")
	if m.Send != nil {
		m.Send(j.name, protocol.FeatureUpgradeError{TransactionID: j.req.TransactionID, Reason: reason, ReasonArgs: args})
	}
}

// Handle processes one RequestFeatureUpgrade.
func (m *Manager) Handle(p host.Player, req protocol.RequestFeatureUpgrade) {
	name, err := p.Username()
	if err != nil {
		return
	}
	j := &job{player: p, name: name, req: req, key: lockKey{name, req.UpgradeID}, target: req.TargetLevel}

	def, ok := m.Tuning.Upgrade(req.UpgradeID)
	if !ok {
		m.reject(j, protocol.ErrUpgradeUnknown, req.UpgradeID)
		return
	}
	h, ok := m.handlers[def.Kind]
	if !ok {
		m.reject(j, protocol.ErrUpgradeUnknown, req.UpgradeID)
		return
	}
	j.def, j.h = def, h

	if m.Pending(name, req.UpgradeID) {
		m.reject(j, protocol.ErrUpgradeAlreadyProcessing)
		return
	}
	if m.recentlyCompleted(j.key) {
		m.reject(j, protocol.ErrUpgradeRecentlyCompleted)
		return
	}
	rec, ok := m.Registry.Get(name)
	if !ok {
		m.reject(j, protocol.ErrNoRefuge)
		return
	}
	needs, reason, args := m.validate(j, rec)
	if reason != "" {
		m.reject(j, reason, args...)
		return
	}
	if reason, args := CheckNeeds(m.sources(p, rec), needs); reason != "" {
		m.reject(j, reason, args...)
		return
	}

	m.pending[j.key] = m.Clock.Now()
	if !h.async() {
		m.finish(j)
		return
	}
	m.Scheduler.Poll(sched.PollSpec{
		MaxTicks: max(m.Tuning.Ticks(m.Tuning.Timing.ServerChunkPollSeconds), 1),
		Alive:    func() bool { return host.Alive(p) },
		Check: func() bool {
			cur, ok := m.Registry.Get(name)
			return !ok || h.ready(m, cur, j.target)
		},
		OnDone: func() { m.finish(j) },
		OnTimeout: func() {
			delete(m.pending, j.key)
			m.reject(j, protocol.ErrUpgradeChunksNotLoaded)
		},
		OnAbort: func() {
			delete(m.pending, j.key)
			m.logf("upgrade %s for %s abandoned: player gone", req.UpgradeID, name)
		},
	})
}

// validate checks level sequencing and returns the scaled requirements for the target.
func (m *Manager) validate(j *job, rec *registry.Record) ([]Need, string, []any) {
	cur := j.h.current(rec, j.def)
	if cur >= m.Tuning.MaxLevel(j.def) {
		return nil, protocol.ErrUpgradeMaxed, nil
	}
	if j.target != cur+1 {
		return nil, protocol.ErrUpgradeLevelSequence, []any{cur + 1}
	}
	reqs, ok := m.Tuning.Requirements(j.def, j.target)
	if !ok {
		return nil, protocol.ErrUpgradeUnknown, []any{j.def.ID}
	}
	return scaledNeeds(m.Tuning, reqs), "", nil
}

// sources are the item containers an upgrade may draw from: inventory, then relic storage.
func (m *Manager) sources(p host.Player, rec *registry.Record) []*host.Container {
	var out []*host.Container
	if inv := p.Inventory(); inv != nil {
		out = append(out, inv)
	}
	if m.Generator != nil {
		if st := m.Generator.RelicStorage(rec); st != nil {
			out = append(out, st)
		}
	}
	return out
}

// finish revalidates against current state, consumes and applies. The pending lock is
// released on every path.
func (m *Manager) finish(j *job) {
	defer delete(m.pending, j.key)
	if !host.Alive(j.player) {
		return
	}
	rec, ok := m.Registry.Get(j.name)
	if !ok {
		m.reject(j, protocol.ErrNoRefuge)
		return
	}
	needs, reason, args := m.validate(j, rec)
	if reason != "" {
		m.reject(j, reason, args...)
		return
	}
	sources := m.sources(j.player, rec)
	var p plan
	if len(j.req.LockedItemIDs) > 0 {
		p, reason, args = planByIDs(sources, j.req.LockedItemIDs, needs)
	} else {
		p, reason, args = planByType(sources, needs)
	}
	if reason != "" {
		m.reject(j, reason, args...)
		return
	}
	removed, reason, args := consume(p)
	if reason != "" {
		m.reject(j, reason, args...)
		return
	}
	prev := rec.Clone()
	res, reason := j.h.apply(m, rec, j.def, j.target)
	if reason != "" {
		restore(removed)
		m.reject(j, reason)
		audit.Write(m.Audit, audit.Entry{Tick: m.Scheduler.Now(), Actor: j.name, Action: audit.ActionUpgradeFailed, Pos: audit.Pos(rec.Center()),
			Reason: reason, Details: map[string]any{"upgrade": j.def.ID, "level": j.target}})
		return
	}
	if err := m.Registry.Save(rec); err != nil {
		m.logf("upgrade %s for %s: save: %v", j.def.ID, j.name, err)
		if err := j.h.revert(m, rec, prev); err != nil {
			m.logf("upgrade %s for %s: %v", j.def.ID, j.name, err)
		}
		restore(removed)
		m.reject(j, protocol.ErrUpgradeFailed)
		return
	}

	m.completed[j.key] = m.Clock.Now()
	m.Metrics.Upgrade(j.def.ID, "ok")
	if m.InventoryChanged != nil && len(removed) > 0 {
		m.InventoryChanged(j.name)
	}
	reply := protocol.FeatureUpgradeComplete{
		TransactionID: j.req.TransactionID,
		UpgradeID:     j.def.ID,
		NewLevel:      j.target,
		RefugeData:    registry.Serialize(rec),
		NewTier:       res.newTier,
		NewRadius:     res.newRadius,
	}
	if m.Send != nil {
		m.Send(j.name, reply)
	}
	audit.Write(m.Audit, audit.Entry{Tick: m.Scheduler.Now(), Actor: j.name, Action: audit.ActionUpgrade, Pos: audit.Pos(rec.Center()),
		Details: map[string]any{"upgrade": j.def.ID, "level": j.target, "items": len(removed)}})
}
