package teleport

import (
	"testing"
	"time"

	"refuge.voxelcraft.ai/internal/gridworld"
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/cooldown"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/structure"
	"refuge.voxelcraft.ai/internal/sched"
	"refuge.voxelcraft.ai/internal/tuning"
)

type fakePlayer struct {
	name  string
	valid bool
	state host.PlayerState
}

func (p *fakePlayer) Username() (string, error) {
	if !p.valid {
		return "", host.ErrPlayerGone
	}
	return p.name, nil
}
func (p *fakePlayer) IsValid() bool { return p.valid }
func (p *fakePlayer) State() (host.PlayerState, error) {
	if !p.valid {
		return host.PlayerState{}, host.ErrPlayerGone
	}
	return p.state, nil
}
func (p *fakePlayer) Inventory() *host.Container { return host.NewContainer(p.name) }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type harness struct {
	t     *testing.T
	tu    tuning.Tuning
	clock *fakeClock
	store *registry.MemStore
	world *gridworld.World
	sch   *sched.Scheduler
	reg   *registry.Registry
	co    *Coordinator
	audit *audit.Memory
	out   map[string][]protocol.Reply
}

func newHarness(t *testing.T, store *registry.MemStore, world *gridworld.World) *harness {
	t.Helper()
	tu := tuning.Defaults()
	h := &harness{
		t:     t,
		tu:    tu,
		clock: &fakeClock{now: time.Unix(1700000000, 0)},
		store: store,
		world: world,
		sch:   sched.New(),
		audit: &audit.Memory{},
		out:   map[string][]protocol.Reply{},
	}
	reg, err := registry.Open(store, nil, tu, h.clock, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h.reg = reg
	h.co = New(Deps{
		Registry:  reg,
		Generator: structure.New(world, tu, nil, nil, nil),
		Cooldowns: cooldown.FromTuning(h.clock, tu),
		Scheduler: h.sch,
		World:     world,
		Tuning:    tu,
		Send:      func(u string, r protocol.Reply) { h.out[u] = append(h.out[u], r) },
		Audit:     h.audit,
	})
	return h
}

func newWorld() *gridworld.World {
	return gridworld.New(gridworld.Config{ChunkSize: 10, LoadDelayTicks: 3, ViewChunks: 2})
}

func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.world.Tick()
		h.sch.Tick()
	}
}

func (h *harness) last(user string) protocol.Reply {
	rs := h.out[user]
	if len(rs) == 0 {
		h.t.Fatalf("no replies for %s", user)
	}
	return rs[len(rs)-1]
}

func (h *harness) count(user, name string) int {
	n := 0
	for _, r := range h.out[user] {
		if r.ReplyName() == name {
			n++
		}
	}
	return n
}

func expectError(t *testing.T, r protocol.Reply, key string) {
	t.Helper()
	e, ok := r.(protocol.Error)
	if !ok || e.MessageKey != key {
		t.Fatalf("expected Error %s, got %#v", key, r)
	}
}

// enter runs the client side of a full entry and returns the TeleportTo reply.
func (h *harness) enter(p *fakePlayer, from host.Vec3) protocol.TeleportTo {
	h.t.Helper()
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: from.X, ReturnY: from.Y, ReturnZ: from.Z})
	tp, ok := h.last(p.name).(protocol.TeleportTo)
	if !ok {
		h.t.Fatalf("expected TeleportTo, got %#v", h.last(p.name))
	}
	p.state.Pos = host.Vec3{X: tp.CenterX, Y: tp.CenterY, Z: tp.CenterZ}
	h.world.Focus(p.name, p.state.Pos)
	h.co.ChunksReady(p)
	return tp
}

func TestFreshPlayerEntry(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true, state: host.PlayerState{Pos: host.Vec3{X: 100, Y: 100}}}

	tp := h.enter(p, p.state.Pos)
	if tp.Radius != 1 || tp.Tier != 0 || tp.CenterX != 1000 || tp.CenterY != 1000 || tp.RefugeID != "refuge_alice" {
		t.Fatalf("TeleportTo: %+v", tp)
	}
	if got := h.co.Phase("alice"); got != PhaseAwaitServerChunks {
		t.Fatalf("phase after ChunksReady: %s", got)
	}
	if h.co.Active() != 1 {
		t.Fatalf("active sessions: %d", h.co.Active())
	}

	h.step(5)
	gc, ok := h.last("alice").(protocol.GenerationComplete)
	if !ok {
		t.Fatalf("expected GenerationComplete, got %#v", h.last("alice"))
	}
	if gc.Radius != 1 || gc.CenterX != 1000 || len(gc.RoomIDs) == 0 {
		t.Fatalf("GenerationComplete: %+v", gc)
	}
	if h.co.Phase("alice") != PhaseReady || h.co.Active() != 0 {
		t.Fatalf("phase: %s active=%d", h.co.Phase("alice"), h.co.Active())
	}
	if got := h.world.CountObjects(host.ObjectRelic, "refuge_alice"); got != 1 {
		t.Fatalf("relics: %d", got)
	}
	if got := h.world.CountObjects(host.ObjectWall, "refuge_alice"); got != 16 {
		t.Fatalf("walls: %d", got)
	}
	rec, _ := h.reg.Get("alice")
	if len(rec.RoomIDs) == 0 {
		t.Fatalf("room ids not stored")
	}

	if len(h.world.Recalcs()) != 0 {
		t.Fatalf("recalc should be delayed")
	}
	h.step(h.tu.Timing.RecalcDelayTicks + 1)
	if len(h.world.Recalcs()) != 1 {
		t.Fatalf("expected one delayed recalc, got %d", len(h.world.Recalcs()))
	}
	if h.sch.Len() != 0 {
		t.Fatalf("scheduler should be empty, has %d", h.sch.Len())
	}

	want := []string{audit.ActionCreate, audit.ActionEnter, audit.ActionGenerate}
	if got := h.audit.Actions(); len(got) != len(want) || got[0] != want[0] || got[2] != want[2] {
		t.Fatalf("audit: %v", got)
	}
}

func TestReentry_DoesNotRegenerate(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true, state: host.PlayerState{Pos: host.Vec3{X: 100, Y: 100}}}
	h.enter(p, p.state.Pos)
	h.step(5)

	h.clock.now = h.clock.now.Add(2 * time.Minute)
	// Entering again from inside keeps the original return position.
	h.enter(p, p.state.Pos)
	h.step(5)
	if h.count("alice", protocol.ReplyGenerationComplete) != 2 {
		t.Fatalf("expected a second GenerationComplete")
	}
	if h.world.CountObjects(host.ObjectRelic, "refuge_alice") != 1 || h.world.CountObjects(host.ObjectWall, "refuge_alice") != 16 {
		t.Fatalf("re-entry duplicated structures")
	}
	rp, ok := h.reg.PeekReturnPosition("alice")
	if !ok || rp.Pos.X != 100 {
		t.Fatalf("return position: %+v ok=%v", rp, ok)
	}
}

func TestEnter_CooldownAndInProgress(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true, state: host.PlayerState{Pos: host.Vec3{X: 100, Y: 100}}}

	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	expectError(t, h.last("alice"), protocol.ErrEnterInProgress)

	h.co.Cancel("alice")
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	e, ok := h.last("alice").(protocol.Error)
	if !ok || e.MessageKey != protocol.ErrCooldown || len(e.MessageArgs) != 1 || e.MessageArgs[0] != 60 {
		t.Fatalf("expected 60s cooldown error, got %#v", h.last("alice"))
	}
}

func TestEnter_ValidationRejects(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true, state: host.PlayerState{Falling: true}}
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	expectError(t, h.last("alice"), protocol.ErrFalling)
	if _, ok := h.reg.Get("alice"); ok {
		t.Fatalf("rejected entry should not create a record")
	}
	if ok, _ := h.co.Cooldowns.Check(cooldown.Teleport, "alice"); !ok {
		t.Fatalf("rejected entry should not start the cooldown")
	}
}

func TestEnter_EncumbrancePenalty(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true, state: host.PlayerState{Weight: 25, MaxWeight: 20}}
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	tp := h.last("alice").(protocol.TeleportTo)
	if tp.EncumbrancePenalty != 10 {
		t.Fatalf("penalty: %v want 10", tp.EncumbrancePenalty)
	}
	_, rem := h.co.Cooldowns.Check(cooldown.Teleport, "alice")
	if rem != 70*time.Second {
		t.Fatalf("remaining: %v want 70s", rem)
	}
}

func TestChunkPollTimeout(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true}
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	// The client claims ready but never focuses the area.
	h.co.ChunksReady(p)

	limit := h.tu.Ticks(h.tu.Timing.ServerChunkPollSeconds)
	h.step(limit - 1)
	if h.count("alice", protocol.ReplyError) != 0 {
		t.Fatalf("timed out early")
	}
	h.step(1)
	expectError(t, h.last("alice"), protocol.ErrChunksTimeout)
	if h.co.Phase("alice") != PhaseError || h.sch.Len() != 0 {
		t.Fatalf("phase=%s tasks=%d", h.co.Phase("alice"), h.sch.Len())
	}
}

func TestMissingChunksReady_EndsHandshake(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true}
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	if _, ok := h.last("alice").(protocol.TeleportTo); !ok {
		t.Fatalf("expected TeleportTo, got %#v", h.last("alice"))
	}

	limit := h.co.AckDeadlineTicks()
	h.step(limit - 1)
	if h.co.Phase("alice") != PhaseAwaitClientChunks {
		t.Fatalf("phase before deadline: %s", h.co.Phase("alice"))
	}
	h.step(1)
	expectError(t, h.last("alice"), protocol.ErrChunksTimeout)
	if h.co.Phase("alice") != PhaseError || h.co.Active() != 0 || h.sch.Len() != 0 {
		t.Fatalf("phase=%s active=%d tasks=%d", h.co.Phase("alice"), h.co.Active(), h.sch.Len())
	}

	// A late acknowledgement is ignored.
	n := len(h.out["alice"])
	h.co.ChunksReady(p)
	if len(h.out["alice"]) != n || h.sch.Len() != 0 {
		t.Fatalf("late ChunksReady should be ignored")
	}

	// Once the cooldown has run out the player can try again.
	h.clock.now = h.clock.now.Add(10 * time.Minute)
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	if _, ok := h.last("alice").(protocol.TeleportTo); !ok {
		t.Fatalf("second entry: %#v", h.last("alice"))
	}
	if h.co.Phase("alice") != PhaseAwaitClientChunks {
		t.Fatalf("phase after retry: %s", h.co.Phase("alice"))
	}
}

func TestChunksReady_ClearsDeadline(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true, state: host.PlayerState{Pos: host.Vec3{X: 100, Y: 100}}}
	h.enter(p, p.state.Pos)
	h.step(h.co.AckDeadlineTicks() + 1)
	if h.count("alice", protocol.ReplyError) != 0 {
		t.Fatalf("deadline fired after ChunksReady: %#v", h.last("alice"))
	}
	if h.count("alice", protocol.ReplyGenerationComplete) != 1 {
		t.Fatalf("expected GenerationComplete")
	}
}

func TestDisconnectMidGeneration(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true}
	h.enter(p, host.Vec3{X: 100, Y: 100})
	h.step(1)
	if h.sch.Len() != 1 {
		t.Fatalf("expected the chunk poll to be registered")
	}

	p.valid = false
	h.step(1)
	if h.sch.Len() != 0 {
		t.Fatalf("poll still registered after disconnect")
	}
	h.step(10)
	if h.count("alice", protocol.ReplyGenerationComplete) != 0 {
		t.Fatalf("GenerationComplete sent to a disconnected player")
	}
	if h.co.Phase("alice") != PhaseIdle {
		t.Fatalf("phase after disconnect: %s", h.co.Phase("alice"))
	}
}

func TestChunksReady_IgnoredOutsideHandshake(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true}
	h.co.ChunksReady(p)
	if len(h.out["alice"]) != 0 || h.sch.Len() != 0 {
		t.Fatalf("stray ChunksReady should be ignored")
	}
}

func TestExit(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true}
	h.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 120, ReturnY: 80, ReturnZ: 1, FromVehicle: true, VehicleID: 42, VehicleSeat: 2})

	h.co.RequestExit(p)
	ex, ok := h.last("alice").(protocol.ExitReady)
	if !ok {
		t.Fatalf("expected ExitReady, got %#v", h.last("alice"))
	}
	if ex.ReturnX != 120 || ex.ReturnY != 80 || ex.ReturnZ != 1 || !ex.FromVehicle || ex.VehicleID != 42 || ex.VehicleSeat != 2 {
		t.Fatalf("ExitReady: %+v", ex)
	}
	if h.co.Phase("alice") != PhaseIdle {
		t.Fatalf("exit should cancel the handshake, phase %s", h.co.Phase("alice"))
	}

	h.co.RequestExit(p)
	expectError(t, h.last("alice"), protocol.ErrNoReturnPosition)
}

func TestRestart_CooldownLostRecordKept(t *testing.T) {
	store := registry.NewMemStore()
	world := newWorld()
	h := newHarness(t, store, world)
	p := &fakePlayer{name: "alice", valid: true}
	h.enter(p, host.Vec3{X: 100, Y: 100})
	h.step(5)
	moved, _ := h.reg.Get("alice")
	if ok, code := h.co.Generator.MoveRelic(moved, 1, 1, registry.CornerSouthEast, nil); !ok {
		t.Fatalf("move relic: %s", code)
	}
	if err := h.reg.Save(moved); err != nil {
		t.Fatalf("save: %v", err)
	}

	restarted := newHarness(t, store, world)
	rec, ok := restarted.reg.Get("alice")
	if !ok || rec.RelicX != 1001 || rec.RelicY != 1001 {
		t.Fatalf("record after restart: %+v", rec)
	}
	restarted.co.RequestEnter(p, protocol.RequestEnter{ReturnX: 1000, ReturnY: 1000})
	if _, ok := restarted.last("alice").(protocol.TeleportTo); !ok {
		t.Fatalf("entry after restart blocked: %#v", restarted.last("alice"))
	}
}

func TestOnDeath(t *testing.T) {
	h := newHarness(t, registry.NewMemStore(), newWorld())
	p := &fakePlayer{name: "alice", valid: true}
	h.enter(p, host.Vec3{X: 100, Y: 100})
	h.step(5)

	if h.co.OnDeath("alice", host.Vec3{X: 300, Y: 300}) {
		t.Fatalf("death outside the refuge should not delete the record")
	}
	if !h.co.OnDeath("alice", host.Vec3{X: 1001, Y: 1000}) {
		t.Fatalf("death inside should delete the record")
	}
	if _, ok := h.reg.Get("alice"); ok {
		t.Fatalf("record still present")
	}
	if _, ok := h.reg.PeekReturnPosition("alice"); ok {
		t.Fatalf("return position still present")
	}
	if h.world.CountObjects(host.ObjectRelic, "refuge_alice") != 1 {
		t.Fatalf("structures must survive death")
	}
}

func TestSamplePoints_CoverShiftedRelic(t *testing.T) {
	rec := &registry.Record{CenterX: 0, CenterY: 0, Radius: 1}
	rec.SetRelic(host.Vec3{X: 1, Y: 1}, registry.CornerSouthEast, 1, 1)
	pts := SamplePoints(rec)
	if len(pts) != 5 || pts[0] != (host.Vec3{}) {
		t.Fatalf("points: %+v", pts)
	}
	if pts[1] != (host.Vec3{X: -2, Y: -2}) || pts[4] != (host.Vec3{X: 2, Y: 2}) {
		t.Fatalf("corners: %+v", pts)
	}
}
