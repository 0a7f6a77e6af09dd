package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"refuge.voxelcraft.ai/internal/env"
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/cooldown"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/teleport"
	"refuge.voxelcraft.ai/internal/tuning"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	t     *testing.T
	srv   *Server
	clock *fakeClock
	store *registry.MemStore
	audit *audit.Memory
	pend  []Envelope
}

type conn struct {
	name string
	out  chan []byte
}

func testTuning() tuning.Tuning {
	tu := tuning.Defaults()
	tu.World.LoadDelayTicks = 2
	return tu
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		clock: &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		store: registry.NewMemStore(),
		audit: &audit.Memory{},
	}
	srv, err := New(Config{
		Tuning: testTuning(),
		Flags:  env.StaticFlags{Server: true, Ready: true},
		Store:  f.store,
		Audit:  f.audit,
		Clock:  f.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.srv = srv
	return f
}

func (f *fixture) join(name string) *conn {
	f.t.Helper()
	c := &conn{name: name, out: make(chan []byte, 256)}
	resp := make(chan JoinResponse, 1)
	f.srv.StepOnce([]JoinRequest{{Username: name, Out: c.out, Resp: resp}}, nil, nil)
	r := <-resp
	if r.Err != "" {
		f.t.Fatalf("join %s: %s", name, r.Err)
	}
	if r.Welcome.Username != name || r.Welcome.SessionID == "" || r.Welcome.Mode != "dedicated" {
		f.t.Fatalf("welcome: %+v", r.Welcome)
	}
	return c
}

func (f *fixture) cmd(c *conn, cmd protocol.Command) {
	f.t.Helper()
	msg, err := protocol.EncodeCommand(cmd)
	if err != nil {
		f.t.Fatalf("encode: %v", err)
	}
	f.raw(c, msg)
}

func (f *fixture) state(c *conn, st host.PlayerState) {
	f.raw(c, protocol.PlayerStateMsg{Type: protocol.TypePlayerState, ProtocolVersion: protocol.Version, State: st})
}

func (f *fixture) raw(c *conn, v any) {
	f.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	f.pend = append(f.pend, Envelope{Username: c.name, Raw: b})
}

// step delivers queued envelopes and runs n ticks.
func (f *fixture) step(n int) {
	for i := 0; i < n; i++ {
		f.srv.StepOnce(nil, nil, f.pend)
		f.pend = nil
	}
}

type inbox struct {
	replies []protocol.Reply
	types   []string
	modData []protocol.ModDataMsg
	inv     []protocol.InventoryMsg
}

func drain(t *testing.T, c *conn) inbox {
	t.Helper()
	var got inbox
	for {
		select {
		case b := <-c.out:
			base, err := protocol.DecodeBase(b)
			if err != nil {
				t.Fatalf("decode base: %v", err)
			}
			got.types = append(got.types, base.Type)
			switch base.Type {
			case protocol.TypeCommand:
				var msg protocol.CommandMsg
				_ = json.Unmarshal(b, &msg)
				r, err := protocol.DecodeReply(msg)
				if err != nil {
					t.Fatalf("decode reply: %v", err)
				}
				got.replies = append(got.replies, r)
			case protocol.TypeModData:
				var m protocol.ModDataMsg
				_ = json.Unmarshal(b, &m)
				got.modData = append(got.modData, m)
			case protocol.TypeInventory:
				var m protocol.InventoryMsg
				_ = json.Unmarshal(b, &m)
				got.inv = append(got.inv, m)
			}
		default:
			return got
		}
	}
}

func (in inbox) find(name string) protocol.Reply {
	for _, r := range in.replies {
		if r.ReplyName() == name {
			return r
		}
	}
	return nil
}

func (in inbox) errorKeys() []string {
	var out []string
	for _, r := range in.replies {
		if e, ok := r.(protocol.Error); ok {
			out = append(out, e.MessageKey)
		}
	}
	return out
}

// enter runs the full two-phase handshake for c from (100,100,0).
func (f *fixture) enter(c *conn) protocol.GenerationComplete {
	f.t.Helper()
	f.state(c, host.PlayerState{Pos: host.Vec3{X: 100, Y: 100}})
	f.cmd(c, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	f.step(1)
	in := drain(f.t, c)
	tp, ok := in.find(protocol.ReplyTeleportTo).(protocol.TeleportTo)
	if !ok {
		f.t.Fatalf("no TeleportTo: %+v", in.replies)
	}
	center := host.Vec3{X: tp.CenterX, Y: tp.CenterY, Z: tp.CenterZ}
	f.state(c, host.PlayerState{Pos: center})
	f.cmd(c, protocol.ChunksReady{})
	for i := 0; i < 20; i++ {
		f.step(1)
		in = drain(f.t, c)
		if gc, ok := in.find(protocol.ReplyGenerationComplete).(protocol.GenerationComplete); ok {
			return gc
		}
		if keys := in.errorKeys(); len(keys) > 0 {
			f.t.Fatalf("errors during handshake: %v", keys)
		}
	}
	f.t.Fatalf("no GenerationComplete after 20 ticks")
	return protocol.GenerationComplete{}
}

func TestServer_JoinSendsModDataAndInventory(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	in := drain(t, c)
	if len(in.modData) != 1 || len(in.inv) != 1 {
		t.Fatalf("types after join: %v", in.types)
	}
	if n := in.inv[0].Inventory.CountType("Base.Plank"); n != 12 {
		t.Fatalf("starter planks: %d", n)
	}
}

func TestServer_JoinRejects(t *testing.T) {
	f := newFixture(t)
	f.join("alice")
	cases := []struct{ name, want string }{
		{"alice", "already connected"},
		{"", "bad username"},
		{"has space", "bad username"},
		{strings.Repeat("a", 33), "bad username"},
	}
	for _, tc := range cases {
		resp := make(chan JoinResponse, 1)
		f.srv.StepOnce([]JoinRequest{{Username: tc.name, Out: make(chan []byte, 8), Resp: resp}}, nil, nil)
		if r := <-resp; r.Err != tc.want {
			t.Fatalf("join %q: err=%q want %q", tc.name, r.Err, tc.want)
		}
	}
}

func TestServer_EnterAndExit(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	drain(t, c)

	gc := f.enter(c)
	if gc.CenterX != 1000 || gc.CenterY != 1000 || gc.Radius != 1 {
		t.Fatalf("GenerationComplete: %+v", gc)
	}
	w := f.srv.World()
	if n := w.CountObjects(host.ObjectWall, "refuge_alice"); n != 16 {
		t.Fatalf("walls: %d", n)
	}
	if n := w.CountObjects(host.ObjectRelic, "refuge_alice"); n != 1 {
		t.Fatalf("relics: %d", n)
	}

	f.clock.Advance(time.Second)
	f.cmd(c, protocol.RequestExit{})
	f.step(1)
	in := drain(t, c)
	ex, ok := in.find(protocol.ReplyExitReady).(protocol.ExitReady)
	if !ok || ex.ReturnX != 100 || ex.ReturnY != 100 {
		t.Fatalf("ExitReady: %+v (%v)", in.replies, ok)
	}
	if _, ok := f.srv.Registry().PeekReturnPosition("alice"); ok {
		t.Fatalf("return position not consumed")
	}
}

func TestServer_ModDataResponse(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.cmd(c, protocol.RequestModData{})
	f.step(1)
	in := drain(t, c)
	md, ok := in.find(protocol.ReplyModDataResponse).(protocol.ModDataResponse)
	if !ok || md.RefugeData != nil || md.ReturnPosition != nil {
		t.Fatalf("before entry: %+v", in.replies)
	}

	f.enter(c)
	f.cmd(c, protocol.RequestModData{})
	f.step(1)
	in = drain(t, c)
	md, ok = in.find(protocol.ReplyModDataResponse).(protocol.ModDataResponse)
	if !ok || md.RefugeData == nil || md.RefugeData.Username != "alice" || md.ReturnPosition == nil || md.ReturnPosition.X != 100 {
		t.Fatalf("after entry: %+v", md)
	}
}

func TestServer_DispatchFiltersAndLimits(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	drain(t, c)

	// Other namespaces are ignored without a reply.
	msg, _ := protocol.EncodeCommand(protocol.RequestExit{})
	msg.Module = "OtherMod"
	f.raw(c, msg)
	f.step(1)
	if in := drain(t, c); len(in.replies) != 0 {
		t.Fatalf("foreign module got replies: %+v", in.replies)
	}

	// Two rate-limited commands in the same instant: the second is refused.
	f.cmd(c, protocol.RequestExit{})
	f.cmd(c, protocol.RequestExit{})
	// Exempt commands pass regardless.
	f.cmd(c, protocol.RequestModData{})
	f.cmd(c, protocol.ChunksReady{})
	f.step(1)
	in := drain(t, c)
	keys := in.errorKeys()
	if len(keys) != 2 || keys[0] != protocol.ErrNoReturnPosition || keys[1] != protocol.ErrRateLimited {
		t.Fatalf("error keys: %v", keys)
	}
	if in.find(protocol.ReplyModDataResponse) == nil {
		t.Fatalf("exempt RequestModData was dropped")
	}

	// Malformed arguments are rejected before decoding.
	f.clock.Advance(time.Second)
	f.raw(c, protocol.CommandMsg{
		Type: protocol.TypeCommand, ProtocolVersion: protocol.Version, Module: protocol.Module,
		Command: protocol.CmdRequestEnter, Args: json.RawMessage(`{"returnX":"far"}`),
	})
	f.step(1)
	if keys := drain(t, c).errorKeys(); len(keys) != 1 || keys[0] != protocol.ErrBadRequest {
		t.Fatalf("bad args: %v", keys)
	}
}

func TestServer_MoveRelic(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.enter(c)

	f.clock.Advance(time.Second)
	f.cmd(c, protocol.RequestMoveRelic{CornerDx: 0.6, CornerDy: "north"})
	f.step(1)
	if keys := drain(t, c).errorKeys(); len(keys) != 1 || keys[0] != protocol.ErrInvalidCorner {
		t.Fatalf("invalid corner: %v", keys)
	}

	f.clock.Advance(time.Second)
	f.cmd(c, protocol.RequestMoveRelic{CornerDx: 0.7, CornerDy: 5, CornerName: "NorthWest"})
	f.step(1)
	in := drain(t, c)
	mv, ok := in.find(protocol.ReplyMoveRelicComplete).(protocol.MoveRelicComplete)
	if !ok {
		t.Fatalf("no MoveRelicComplete: %+v", in.replies)
	}
	if mv.CornerName != registry.CornerSouthEast || mv.CornerDx != 1 || mv.CornerDy != 1 {
		t.Fatalf("corner: %+v", mv)
	}
	rec, _ := f.srv.Registry().Get("alice")
	if rec.RelicX != 1001 || rec.RelicY != 1001 || rec.RelicCorner != registry.CornerSouthEast {
		t.Fatalf("record relic: (%d,%d) %s", rec.RelicX, rec.RelicY, rec.RelicCorner)
	}

	f.clock.Advance(time.Second)
	f.cmd(c, protocol.RequestMoveRelic{CornerDx: -1, CornerDy: -1})
	f.step(1)
	in = drain(t, c)
	e, ok := in.find(protocol.ReplyError).(protocol.Error)
	if !ok || e.MessageKey != protocol.ErrRelicCooldown {
		t.Fatalf("cooldown: %+v", in.replies)
	}
	if len(e.MessageArgs) != 1 || e.MessageArgs[0].(float64) != 29 {
		t.Fatalf("cooldown args: %v", e.MessageArgs)
	}
}

func TestServer_MoveRelicWithoutRefuge(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.cmd(c, protocol.RequestMoveRelic{CornerDx: 1, CornerDy: 1})
	f.step(1)
	if keys := drain(t, c).errorKeys(); len(keys) != 1 || keys[0] != protocol.ErrNoRefuge {
		t.Fatalf("keys: %v", keys)
	}
}

func TestServer_UpgradeConsumesInventory(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.enter(c)

	f.cmd(c, protocol.RequestFeatureUpgrade{UpgradeID: "storage_capacity", TargetLevel: 1, TransactionID: "tx-1"})
	f.step(1)
	in := drain(t, c)
	done, ok := in.find(protocol.ReplyFeatureUpgradeComplete).(protocol.FeatureUpgradeComplete)
	if !ok || done.TransactionID != "tx-1" || done.NewLevel != 1 {
		t.Fatalf("upgrade: %+v", in.replies)
	}
	if len(in.inv) == 0 {
		t.Fatalf("no inventory update after consumption")
	}
	if n := in.inv[len(in.inv)-1].Inventory.CountType("Base.Plank"); n != 7 {
		t.Fatalf("planks left: %d", n)
	}
	if len(in.modData) == 0 || in.modData[len(in.modData)-1].Refuges["alice"].Upgrades["storage_capacity"] != 1 {
		t.Fatalf("registry not transmitted after upgrade")
	}
}

func TestServer_SyncClientData(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.cmd(c, protocol.SyncClientData{RoomIDs: []int64{3}})
	f.step(1)
	if keys := drain(t, c).errorKeys(); len(keys) != 1 || keys[0] != protocol.ErrNoRefuge {
		t.Fatalf("without refuge: %v", keys)
	}

	f.clock.Advance(time.Second)
	f.enter(c)
	f.clock.Advance(time.Second)
	f.cmd(c, protocol.SyncClientData{RoomIDs: []int64{9, 4, 9}})
	f.step(1)
	rec, _ := f.srv.Registry().Get("alice")
	if len(rec.RoomIDs) != 2 || rec.RoomIDs[0] != 4 || rec.RoomIDs[1] != 9 {
		t.Fatalf("rooms: %v", rec.RoomIDs)
	}
}

func TestServer_DeathInsideRefugeDropsRecord(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.enter(c)

	f.state(c, host.PlayerState{Pos: host.Vec3{X: 1000, Y: 1000}, Dead: true})
	f.step(1)
	if f.srv.Registry().Len() != 0 {
		t.Fatalf("record kept after death inside refuge")
	}
	if n := f.srv.World().CountObjects(host.ObjectWall, "refuge_alice"); n != 16 {
		t.Fatalf("structures removed on death: %d walls", n)
	}
	if got := f.audit.Actions(); got[len(got)-1] != audit.ActionDeath {
		t.Fatalf("audit: %v", got)
	}
}

func TestServer_LeaveCancelsHandshake(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.state(c, host.PlayerState{Pos: host.Vec3{X: 100, Y: 100}})
	f.cmd(c, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	f.step(1)
	if got := f.srv.tele.Phase("alice"); got != teleport.PhaseAwaitClientChunks {
		t.Fatalf("phase: %s", got)
	}
	f.srv.StepOnce(nil, []string{"alice"}, nil)
	if got := f.srv.tele.Phase("alice"); got != teleport.PhaseIdle {
		t.Fatalf("phase after leave: %s", got)
	}
	// Cooldowns survive the reconnect.
	c = f.join("alice")
	f.cmd(c, protocol.RequestEnter{ReturnX: 100, ReturnY: 100})
	f.step(1)
	if keys := drain(t, c).errorKeys(); len(keys) != 1 || keys[0] != protocol.ErrCooldown {
		t.Fatalf("after reconnect: %v", keys)
	}
}

func TestServer_Admin(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.enter(c)

	list := f.srv.AdminNow(AdminRequest{Op: AdminList})
	if len(list.Refuges) != 1 || list.Refuges[0].GridSlot != 0 {
		t.Fatalf("list: %+v", list)
	}
	scan := f.srv.AdminNow(AdminRequest{Op: AdminScan, X: 1010, Y: 990})
	if scan.Err != "" || scan.Refuges[0].Username != "alice" {
		t.Fatalf("scan: %+v", scan)
	}
	if miss := f.srv.AdminNow(AdminRequest{Op: AdminScan, X: 5000, Y: 5000}); miss.Err == "" {
		t.Fatalf("scan outside grid succeeded")
	}
	got := f.srv.AdminNow(AdminRequest{Op: AdminGet, Username: "alice"})
	if got.Refuges[0].RelicPresent == nil || !*got.Refuges[0].RelicPresent {
		t.Fatalf("relic presence: %+v", got.Refuges[0])
	}

	as := f.srv.AdminNow(AdminRequest{Op: AdminAssign, Username: "bob", Slot: 12, By: "ops"})
	if as.Err != "" || as.Refuges[0].CenterX != 1100 || as.Refuges[0].CenterY != 1050 {
		t.Fatalf("assign: %+v", as)
	}
	if taken := f.srv.AdminNow(AdminRequest{Op: AdminAssign, Username: "carol", Slot: 12}); taken.Err == "" {
		t.Fatalf("assigning a taken slot succeeded")
	}

	rep := f.srv.AdminNow(AdminRequest{Op: AdminRepair, Username: "bob"})
	if rep.Err != "" || rep.Changed == 0 {
		t.Fatalf("repair: %+v", rep)
	}
	if n := f.srv.World().CountObjects(host.ObjectRelic, "refuge_bob"); n != 1 {
		t.Fatalf("repair relics: %d", n)
	}

	del := f.srv.AdminNow(AdminRequest{Op: AdminDelete, Username: "bob", By: "ops"})
	if del.Err != "" || f.srv.Registry().Len() != 1 {
		t.Fatalf("delete: %+v len=%d", del, f.srv.Registry().Len())
	}
	st := f.srv.AdminNow(AdminRequest{Op: AdminState})
	if st.State == nil || st.State.Players != 1 || st.State.Refuges != 1 {
		t.Fatalf("state: %+v", st.State)
	}
	if bad := f.srv.AdminNow(AdminRequest{Op: "explode"}); bad.Err == "" {
		t.Fatalf("unknown op accepted")
	}
}

func TestServer_AdminDeleteClearsCooldowns(t *testing.T) {
	f := newFixture(t)
	c := f.join("alice")
	f.enter(c)
	f.srv.cool.RecordUse(cooldown.RelicMove, "alice")
	for _, k := range []cooldown.Kind{cooldown.Teleport, cooldown.RelicMove} {
		if ok, _ := f.srv.cool.Check(k, "alice"); ok {
			t.Fatalf("%s cooldown not running before delete", k)
		}
	}

	if del := f.srv.AdminNow(AdminRequest{Op: AdminDelete, Username: "alice", By: "ops"}); del.Err != "" {
		t.Fatalf("delete: %+v", del)
	}
	for _, k := range []cooldown.Kind{cooldown.Teleport, cooldown.RelicMove} {
		if ok, _ := f.srv.cool.Check(k, "alice"); !ok {
			t.Fatalf("%s cooldown survived delete", k)
		}
	}
}

func TestServer_Backups(t *testing.T) {
	var ticks []uint64
	tu := testTuning()
	tu.BackupEveryTicks = 3
	srv, err := New(Config{Tuning: tu, Store: registry.NewMemStore(), Backups: func(tick uint64) { ticks = append(ticks, tick) }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 7; i++ {
		srv.StepOnce(nil, nil, nil)
	}
	if len(ticks) != 2 || ticks[0] != 3 || ticks[1] != 6 {
		t.Fatalf("backup ticks: %v", ticks)
	}
}

func TestServer_RefusesClientMode(t *testing.T) {
	_, err := New(Config{Tuning: testTuning(), Store: registry.NewMemStore(), Flags: env.StaticFlags{Client: true, Ready: true}})
	if err == nil {
		t.Fatalf("client-mode server constructed")
	}
}

func TestAdminHandler(t *testing.T) {
	f := newFixture(t)
	h := f.srv.AdminHandler()

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback: %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.srv.Run(ctx)
	}()

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d %s", rec.Code, rec.Body.String())
	}
	var resp AdminResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.State == nil {
		t.Fatalf("state body: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/refuges/nobody", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("missing refuge: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST state: %d", rec.Code)
	}

	cancel()
	<-done
}
