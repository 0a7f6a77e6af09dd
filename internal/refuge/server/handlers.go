package server

import (
	"sort"

	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/cooldown"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/validate"
)

func (s *Server) handleModData(p *Player) {
	resp := protocol.ModDataResponse{}
	if rec, ok := s.reg.Get(p.name); ok {
		resp.RefugeData = registry.Serialize(rec)
	}
	if rp, ok := s.reg.PeekReturnPosition(p.name); ok {
		resp.ReturnPosition = rp.Wire()
	}
	s.send(p.name, resp)
}

// handleMoveRelic sanitizes the offset, derives the corner name itself and moves the relic.
func (s *Server) handleMoveRelic(p *Player, c protocol.RequestMoveRelic) {
	name := p.name
	rec, ok := s.reg.Get(name)
	if !ok {
		s.send(name, protocol.NewError(protocol.ErrNoRefuge))
		return
	}
	if ready, _ := s.cool.Check(cooldown.RelicMove, name); !ready {
		s.send(name, protocol.NewError(protocol.ErrRelicCooldown, s.cool.RemainingSeconds(cooldown.RelicMove, name)))
		return
	}
	corner, dx, dy, ok := validate.CornerFromOffset(c.CornerDx, c.CornerDy)
	if !ok {
		s.send(name, protocol.NewError(protocol.ErrInvalidCorner))
		return
	}
	if c.CornerName != "" && c.CornerName != corner {
		s.logf("relic move from %s: client corner %q, using %q", name, c.CornerName, corner)
	}
	prev := rec.Clone()
	if moved, key := s.gen.MoveRelic(rec, dx, dy, corner, nil); !moved {
		s.send(name, protocol.NewError(key))
		return
	}
	if err := s.reg.Save(rec); err != nil {
		s.logf("save relic move %s: %v", rec.RefugeID, err)
		if err := s.gen.RevertLayout(rec, prev); err != nil {
			s.logf("relic move %s: %v", rec.RefugeID, err)
		}
		s.send(name, protocol.NewError(protocol.ErrInternal))
		return
	}
	s.cool.RecordUse(cooldown.RelicMove, name)
	s.send(name, protocol.MoveRelicComplete{
		CornerName: corner,
		CornerDx:   dx,
		CornerDy:   dy,
		RefugeData: registry.Serialize(rec),
	})
	audit.Write(s.audit, audit.Entry{Tick: s.sched.Now(), Actor: name, Action: audit.ActionMoveRelic, Pos: audit.Pos(rec.Relic()),
		Details: map[string]any{"corner": corner, "from": audit.Pos(prev.Relic())}})
}

// handleSyncClientData stores room ids reported by the client for its own refuge.
func (s *Server) handleSyncClientData(p *Player, c protocol.SyncClientData) {
	rec, ok := s.reg.Get(p.name)
	if !ok {
		s.send(p.name, protocol.NewError(protocol.ErrNoRefuge))
		return
	}
	rooms := append([]int64(nil), c.RoomIDs...)
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	rooms = dedupe(rooms)
	if equalIDs(rooms, rec.RoomIDs) {
		return
	}
	rec.RoomIDs = rooms
	if err := s.reg.Save(rec); err != nil {
		s.logf("sync rooms %s: %v", rec.RefugeID, err)
		s.send(p.name, protocol.NewError(protocol.ErrInternal))
	}
}

func dedupe(sorted []int64) []int64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
