// Package server is the refuge server process: the single composition root owning the
// world, the registry and every refuge component, driven by one tick loop.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"refuge.voxelcraft.ai/internal/env"
	"refuge.voxelcraft.ai/internal/gridworld"
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/ids"
	"refuge.voxelcraft.ai/internal/metrics"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/cooldown"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/structure"
	"refuge.voxelcraft.ai/internal/refuge/teleport"
	"refuge.voxelcraft.ai/internal/refuge/upgrade"
	"refuge.voxelcraft.ai/internal/sched"
	"refuge.voxelcraft.ai/internal/tuning"
)

type Config struct {
	Tuning  tuning.Tuning
	Flags   env.Flags
	Store   registry.Store
	Audit   audit.Logger
	Metrics *metrics.Metrics
	Clock   host.Clock
	Log     *log.Logger

	// Backups, when set, is called every Tuning.BackupEveryTicks ticks from the loop.
	Backups func(tick uint64)
}

type JoinRequest struct {
	Username string
	Out      chan []byte
	Resp     chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Err     string
}

// Envelope is one raw message received from a connected player.
type Envelope struct {
	Username string
	Raw      []byte
}

type Server struct {
	tune  tuning.Tuning
	log   *log.Logger
	clock host.Clock
	env   *env.Detector
	mx    *metrics.Metrics
	audit audit.Logger

	world *gridworld.World
	sched *sched.Scheduler
	reg   *registry.Registry
	gen   *structure.Generator
	cool  *cooldown.Tracker
	tele  *teleport.Coordinator
	upg   *upgrade.Manager

	players     map[string]*Player
	inventories map[string]*host.Container
	backups     func(tick uint64)

	join  chan JoinRequest
	leave chan string
	inbox chan Envelope
	admin chan adminReq
	stop  chan struct{}
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// New builds every component in dependency order.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: nil store")
	}
	if cfg.Clock == nil {
		cfg.Clock = host.SystemClock{}
	}
	if cfg.Flags == nil {
		cfg.Flags = env.StaticFlags{Server: true, Ready: true}
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("server: tuning: %w", err)
	}
	s := &Server{
		tune:        cfg.Tuning,
		log:         cfg.Log,
		clock:       cfg.Clock,
		env:         env.NewDetector(cfg.Flags),
		mx:          cfg.Metrics,
		audit:       cfg.Audit,
		players:     map[string]*Player{},
		inventories: map[string]*host.Container{},
		backups:     cfg.Backups,
		join:        make(chan JoinRequest, 64),
		leave:       make(chan string, 64),
		inbox:       make(chan Envelope, 1024),
		admin:       make(chan adminReq, 16),
		stop:        make(chan struct{}),
	}
	if !s.env.IsServerAuthority() {
		return nil, fmt.Errorf("server: process mode %s has no authority", s.env.Mode())
	}

	s.world = gridworld.New(gridworld.Config{
		ChunkSize:      cfg.Tuning.World.ChunkSize,
		LoadDelayTicks: cfg.Tuning.World.LoadDelayTicks,
		ViewChunks:     cfg.Tuning.World.ViewChunks,
	})
	s.sched = sched.New()

	reg, err := registry.Open(cfg.Store, s.env, cfg.Tuning, cfg.Clock, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("server: open registry: %w", err)
	}
	s.reg = reg
	s.reg.SetBroadcaster(s.broadcastModData)

	s.gen = structure.New(s.world, cfg.Tuning, s.env, s.notifySwept, cfg.Log)
	s.cool = cooldown.FromTuning(cfg.Clock, cfg.Tuning)
	s.tele = teleport.New(teleport.Deps{
		Registry:  s.reg,
		Generator: s.gen,
		Cooldowns: s.cool,
		Scheduler: s.sched,
		World:     s.world,
		Tuning:    cfg.Tuning,
		Send:      s.send,
		Metrics:   cfg.Metrics,
		Audit:     cfg.Audit,
		Log:       cfg.Log,
	})
	s.upg = upgrade.New(upgrade.Deps{
		Registry:         s.reg,
		Generator:        s.gen,
		Scheduler:        s.sched,
		Tuning:           cfg.Tuning,
		Clock:            cfg.Clock,
		Send:             s.send,
		InventoryChanged: s.sendInventory,
		Metrics:          cfg.Metrics,
		Audit:            cfg.Audit,
		Log:              cfg.Log,
	})
	s.logf("registry loaded: %d refuges, mode=%s", s.reg.Len(), s.env.Mode())
	return s, nil
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) Join() chan<- JoinRequest { return s.join }
func (s *Server) Leave() chan<- string     { return s.leave }
func (s *Server) Inbox() chan<- Envelope   { return s.inbox }

func (s *Server) CurrentTick() uint64 { return s.sched.Now() }
func (s *Server) TickRateHz() int     { return s.tune.TickRateHz }

// World exposes the server's tile world. Not safe to use concurrently with Run.
func (s *Server) World() *gridworld.World { return s.world }

// Registry exposes the refuge registry. Not safe to use concurrently with Run.
func (s *Server) Registry() *registry.Registry { return s.reg }

func (s *Server) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.tune.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingEnvelopes []Envelope
	var pendingAdmin []adminReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.join:
			pendingJoins = append(pendingJoins, req)
		case name := <-s.leave:
			pendingLeaves = append(pendingLeaves, name)
		case e := <-s.inbox:
			pendingEnvelopes = append(pendingEnvelopes, e)
		case req := <-s.admin:
			pendingAdmin = append(pendingAdmin, req)
		case <-ticker.C:
			s.StepOnce(pendingJoins, pendingLeaves, pendingEnvelopes)
			s.handleAdmin(pendingAdmin)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingEnvelopes = pendingEnvelopes[:0]
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

func (s *Server) Stop() { close(s.stop) }

// StepOnce applies joins, leaves and messages in that order, then advances the world and
// the scheduler by one tick. Tests drive the server through it from a single goroutine.
func (s *Server) StepOnce(joins []JoinRequest, leaves []string, envs []Envelope) {
	for _, req := range joins {
		resp := s.handleJoin(req)
		if req.Resp != nil {
			req.Resp <- resp
		}
	}
	for _, name := range leaves {
		s.handleLeave(name)
	}
	for _, e := range envs {
		s.handleEnvelope(e)
	}
	s.world.Tick()
	s.sched.Tick()
	now := s.sched.Now()
	if s.backups != nil && s.tune.BackupEveryTicks > 0 && now%uint64(s.tune.BackupEveryTicks) == 0 {
		s.backups(now)
	}
	s.mx.SetPlayers(len(s.players))
}

func (s *Server) handleJoin(req JoinRequest) JoinResponse {
	name := req.Username
	if !usernameRe.MatchString(name) {
		return JoinResponse{Err: "bad username"}
	}
	if _, ok := s.players[name]; ok {
		return JoinResponse{Err: "already connected"}
	}
	inv, ok := s.inventories[name]
	if !ok {
		inv = s.starterInventory(name)
		s.inventories[name] = inv
	}
	interval := time.Duration(s.tune.RateLimits.CommandIntervalMs) * time.Millisecond
	lim := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		lim = rate.NewLimiter(rate.Every(interval), 1)
	}
	p := &Player{name: name, inv: inv, out: req.Out, valid: true, limiter: lim}
	s.players[name] = p
	s.world.Focus(name, p.state.Pos)
	s.logf("join %s", name)

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       ids.Session(),
		Username:        name,
		TickRateHz:      s.tune.TickRateHz,
		Mode:            s.env.Mode().String(),
	}
	s.sendModData(p)
	s.sendInventory(name)
	return JoinResponse{Welcome: welcome}
}

func (s *Server) starterInventory(name string) *host.Container {
	inv := host.NewContainer(name + "_inv")
	types := make([]string, 0, len(s.tune.Starter))
	for t := range s.tune.Starter {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for i := 0; i < s.tune.Starter[t]; i++ {
			inv.Add(&host.Item{ID: ids.New(), Type: t})
		}
	}
	return inv
}

func (s *Server) handleLeave(name string) {
	p, ok := s.players[name]
	if !ok {
		return
	}
	p.valid = false
	delete(s.players, name)
	s.world.Release(name)
	s.tele.Cancel(name)
	s.upg.Forget(name)
	s.logf("leave %s", name)
}

func (s *Server) handleEnvelope(e Envelope) {
	p, ok := s.players[e.Username]
	if !ok {
		return
	}
	base, err := protocol.DecodeBase(e.Raw)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return
	}
	switch base.Type {
	case protocol.TypeCommand:
		var msg protocol.CommandMsg
		if err := json.Unmarshal(e.Raw, &msg); err != nil {
			return
		}
		s.dispatch(p, msg)
	case protocol.TypePlayerState:
		var msg protocol.PlayerStateMsg
		if err := json.Unmarshal(e.Raw, &msg); err != nil {
			return
		}
		s.applyState(p, msg.State)
	}
}

// applyState takes the client's replicated player state. A transition to dead is the
// host's death event.
func (s *Server) applyState(p *Player, st host.PlayerState) {
	prev := p.state
	p.state = st
	if st.Pos != prev.Pos {
		s.world.Focus(p.name, st.Pos)
	}
	if st.Dead && !prev.Dead {
		if s.tele.OnDeath(p.name, st.Pos) {
			s.logf("refuge of %s removed on death at (%d,%d,%d)", p.name, st.Pos.X, st.Pos.Y, st.Pos.Z)
		}
	}
}

func (s *Server) write(p *Player, v any) {
	if p == nil || !p.valid || p.out == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.logf("encode for %s: %v", p.name, err)
		return
	}
	select {
	case p.out <- b:
	default:
		s.logf("outbound queue full for %s, dropped message", p.name)
	}
}

// send delivers a reply to username if they are connected.
func (s *Server) send(username string, r protocol.Reply) {
	msg, err := protocol.EncodeReply(r)
	if err != nil {
		s.logf("encode reply %s: %v", r.ReplyName(), err)
		return
	}
	s.write(s.players[username], msg)
}

func (s *Server) notifySwept(username string, ids []int64) {
	s.send(username, protocol.ClearZombies{ZombieIDs: ids})
}

func (s *Server) broadcastModData(all map[string]protocol.RefugeData) {
	msg := protocol.ModDataMsg{Type: protocol.TypeModData, ProtocolVersion: protocol.Version, Refuges: all}
	for _, p := range s.players {
		s.write(p, msg)
	}
}

func (s *Server) sendModData(p *Player) {
	s.write(p, protocol.ModDataMsg{Type: protocol.TypeModData, ProtocolVersion: protocol.Version, Refuges: s.reg.Snapshot()})
}

func (s *Server) sendInventory(username string) {
	p := s.players[username]
	if p == nil {
		return
	}
	s.write(p, protocol.InventoryMsg{Type: protocol.TypeInventory, ProtocolVersion: protocol.Version, Inventory: p.inv})
}
