package server

import (
	"runtime/debug"

	"refuge.voxelcraft.ai/internal/protocol"
)

// Commands that skip the per-player rate limit. ChunksReady follows every teleport and
// must never be dropped; upgrades are guarded by their own locks.
var rateExempt = map[string]bool{
	protocol.CmdChunksReady:           true,
	protocol.CmdRequestModData:        true,
	protocol.CmdRequestFeatureUpgrade: true,
}

// dispatch routes one client command. Failures become Error replies; a panicking handler
// is logged and answered, never propagated.
func (s *Server) dispatch(p *Player, msg protocol.CommandMsg) {
	if msg.Module != protocol.Module {
		return
	}
	name := p.name
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			s.logf("panic in %s from %s: %v\n%s", msg.Command, name, r, debug.Stack())
			result = "panic"
			s.send(name, protocol.NewError(protocol.ErrInternal))
		}
		s.mx.Command(msg.Command, result)
	}()

	if !rateExempt[msg.Command] && !p.limiter.AllowN(s.clock.Now(), 1) {
		result = "rate_limited"
		s.mx.RateLimited(msg.Command)
		s.send(name, protocol.NewError(protocol.ErrRateLimited))
		return
	}
	if err := protocol.ValidateArgs(msg.Command, msg.Args); err != nil {
		result = "bad_request"
		s.logf("reject %s from %s: %v", msg.Command, name, err)
		s.send(name, protocol.Error{MessageKey: protocol.ErrBadRequest, Message: msg.Command})
		return
	}
	cmd, err := protocol.DecodeCommand(msg)
	if err != nil {
		result = "bad_request"
		s.send(name, protocol.Error{MessageKey: protocol.ErrBadRequest, Message: msg.Command})
		return
	}

	switch c := cmd.(type) {
	case protocol.RequestModData:
		s.handleModData(p)
	case protocol.RequestEnter:
		s.tele.RequestEnter(p, c)
	case protocol.ChunksReady:
		s.tele.ChunksReady(p)
	case protocol.RequestExit:
		s.tele.RequestExit(p)
	case protocol.RequestMoveRelic:
		s.handleMoveRelic(p, c)
	case protocol.RequestFeatureUpgrade:
		s.upg.Handle(p, c)
	case protocol.SyncClientData:
		s.handleSyncClientData(p, c)
	default:
		result = "unknown"
		s.logf("no handler for %T", cmd)
	}
}
