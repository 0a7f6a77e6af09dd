package server

import (
	"context"
	"errors"
	"fmt"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/registry"
)

const (
	AdminList   = "list"
	AdminGet    = "get"
	AdminScan   = "scan"
	AdminAssign = "assign"
	AdminDelete = "delete"
	AdminRepair = "repair"
	AdminState  = "state"
	AdminBackup = "backup"
)

// AdminRequest is one registry recovery operation, applied at a tick boundary.
type AdminRequest struct {
	Op       string `json:"op"`
	Username string `json:"username,omitempty"`
	Slot     int    `json:"slot,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
	By       string `json:"by,omitempty"`
}

// AdminRefuge is the operator view of a record: unlike the wire view it keeps the grid slot.
type AdminRefuge struct {
	protocol.RefugeData
	GridSlot       int                      `json:"gridSlot"`
	AssignedBy     string                   `json:"assignedBy,omitempty"`
	ReturnPosition *protocol.ReturnPosition `json:"returnPosition,omitempty"`
	RelicPresent   *bool                    `json:"relicPresent,omitempty"`
}

type StateView struct {
	Tick     uint64 `json:"tick"`
	Mode     string `json:"mode"`
	Players  int    `json:"players"`
	Refuges  int    `json:"refuges"`
	Sessions int    `json:"sessions"`
	Tasks    int    `json:"tasks"`
}

type AdminResponse struct {
	Tick    uint64        `json:"tick"`
	Refuges []AdminRefuge `json:"refuges,omitempty"`
	State   *StateView    `json:"state,omitempty"`
	Changed int           `json:"changed,omitempty"`
	Err     string        `json:"error,omitempty"`
}

type adminReq struct {
	AdminRequest
	resp chan AdminResponse
}

var ErrAdminUnavailable = errors.New("server: admin request not answered")

// Admin queues req for the loop goroutine and waits for the answer. Safe to call from
// HTTP handlers.
func (s *Server) Admin(ctx context.Context, req AdminRequest) (AdminResponse, error) {
	ch := make(chan AdminResponse, 1)
	select {
	case s.admin <- adminReq{AdminRequest: req, resp: ch}:
	case <-ctx.Done():
		return AdminResponse{}, ctx.Err()
	}
	select {
	case r := <-ch:
		if r.Err != "" {
			return r, errors.New(r.Err)
		}
		return r, nil
	case <-ctx.Done():
		return AdminResponse{}, fmt.Errorf("%w: %v", ErrAdminUnavailable, ctx.Err())
	}
}

func (s *Server) handleAdmin(reqs []adminReq) {
	for _, r := range reqs {
		r.resp <- s.AdminNow(r.AdminRequest)
	}
}

// AdminNow applies req immediately. Only call it from the loop goroutine or while the
// loop is not running.
func (s *Server) AdminNow(req AdminRequest) AdminResponse {
	resp := AdminResponse{Tick: s.sched.Now()}
	switch req.Op {
	case AdminList:
		for _, rec := range s.reg.All() {
			resp.Refuges = append(resp.Refuges, s.adminView(rec, false))
		}
	case AdminGet:
		rec, ok := s.reg.Get(req.Username)
		if !ok {
			resp.Err = "no refuge for " + req.Username
			break
		}
		resp.Refuges = []AdminRefuge{s.adminView(rec, true)}
	case AdminScan:
		rec, ok := s.reg.FindByCoordinate(req.X, req.Y)
		if !ok {
			resp.Err = fmt.Sprintf("no refuge owns (%d,%d)", req.X, req.Y)
			break
		}
		resp.Refuges = []AdminRefuge{s.adminView(rec, true)}
	case AdminAssign:
		rec, err := s.reg.Assign(req.Username, req.Slot, req.By)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		audit.Write(s.audit, audit.Entry{Tick: resp.Tick, Actor: req.By, Action: audit.ActionAssign, Pos: audit.Pos(rec.Center()),
			Details: map[string]any{"username": req.Username, "slot": req.Slot}})
		resp.Refuges = []AdminRefuge{s.adminView(rec, false)}
		resp.Changed = 1
	case AdminDelete:
		rec, ok := s.reg.Get(req.Username)
		if !ok {
			resp.Err = "no refuge for " + req.Username
			break
		}
		s.tele.Cancel(req.Username)
		if err := s.reg.Delete(req.Username); err != nil {
			resp.Err = err.Error()
			break
		}
		s.cool.Forget(req.Username)
		audit.Write(s.audit, audit.Entry{Tick: resp.Tick, Actor: req.By, Action: audit.ActionDelete, Pos: audit.Pos(rec.Center()),
			Details: map[string]any{"username": req.Username}})
		resp.Changed = 1
	case AdminRepair:
		rec, ok := s.reg.Get(req.Username)
		if !ok {
			resp.Err = "no refuge for " + req.Username
			break
		}
		s.loadArea(rec)
		res, err := s.gen.EnsureStructures(rec, req.Username)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		s.gen.ReapplyProtection(rec)
		if err := s.reg.Save(rec); err != nil {
			resp.Err = err.Error()
			break
		}
		resp.Changed = res.Walls + len(res.Swept)
		if res.Generated {
			resp.Changed++
		}
		resp.Refuges = []AdminRefuge{s.adminView(rec, true)}
	case AdminState:
		resp.State = &StateView{
			Tick:     resp.Tick,
			Mode:     s.env.Mode().String(),
			Players:  len(s.players),
			Refuges:  s.reg.Len(),
			Sessions: s.tele.Active(),
			Tasks:    s.sched.Len(),
		}
	case AdminBackup:
		if s.backups == nil {
			resp.Err = "backups disabled"
			break
		}
		s.backups(resp.Tick)
		resp.Changed = 1
	default:
		resp.Err = fmt.Sprintf("unknown admin op %q", req.Op)
	}
	return resp
}

func (s *Server) adminView(rec *registry.Record, withRelic bool) AdminRefuge {
	v := AdminRefuge{
		RefugeData: *registry.Serialize(rec),
		GridSlot:   rec.GridSlot,
		AssignedBy: rec.AssignedBy,
	}
	if rp, ok := s.reg.PeekReturnPosition(rec.Username); ok {
		v.ReturnPosition = rp.Wire()
	}
	if withRelic && s.gen.AreaLoaded(rec, rec.Radius) {
		present := s.gen.RelicExists(rec)
		v.RelicPresent = &present
	}
	return v
}

// loadArea force-loads every chunk under rec's walled area so repairs can run without a
// player nearby.
func (s *Server) loadArea(rec *registry.Record) {
	area := host.Square(rec.Center(), rec.Radius+1).Expand(rec.RelicX, rec.RelicY)
	step := max(s.tune.World.ChunkSize, 1)
	for x := area.MinX; ; x += step {
		x = min(x, area.MaxX)
		for y := area.MinY; ; y += step {
			y = min(y, area.MaxY)
			s.world.LoadNow(x, y, rec.CenterZ)
			if y == area.MaxY {
				break
			}
		}
		if x == area.MaxX {
			break
		}
	}
}
