package registry

import (
	"fmt"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
)

// CurrentVersion is the record schema version written by this code.
const CurrentVersion = 5

// Record is one player's refuge. The server owns it; clients hold a read-only mirror.
type Record struct {
	RefugeID string `json:"refugeId"`
	Username string `json:"username"`

	CenterX int `json:"centerX"`
	CenterY int `json:"centerY"`
	CenterZ int `json:"centerZ"`
	Tier    int `json:"tier"`
	Radius  int `json:"radius"`

	Upgrades map[string]int `json:"upgrades,omitempty"`

	RelicX        int    `json:"relicX"`
	RelicY        int    `json:"relicY"`
	RelicZ        int    `json:"relicZ"`
	RelicCorner   string `json:"relicCorner"`
	RelicCornerDx int    `json:"relicCornerDx"`
	RelicCornerDy int    `json:"relicCornerDy"`

	CreatedTime  int64   `json:"createdTime"`
	LastExpanded int64   `json:"lastExpanded,omitempty"`
	DataVersion  int     `json:"dataVersion"`
	RoomIDs      []int64 `json:"roomIds,omitempty"`

	// Internal only; never serialized to clients.
	GridSlot   int    `json:"gridSlot"`
	AssignedBy string `json:"assignedBy,omitempty"`
}

func RefugeIDFor(username string) string { return "refuge_" + username }

func (r *Record) Center() host.Vec3 { return host.Vec3{X: r.CenterX, Y: r.CenterY, Z: r.CenterZ} }
func (r *Record) Relic() host.Vec3  { return host.Vec3{X: r.RelicX, Y: r.RelicY, Z: r.RelicZ} }

// Bounds is the interior square, center ± radius.
func (r *Record) Bounds() host.Rect { return host.Square(r.Center(), r.Radius) }

func (r *Record) SetRelic(pos host.Vec3, corner string, dx, dy int) {
	r.RelicX, r.RelicY, r.RelicZ = pos.X, pos.Y, pos.Z
	r.RelicCorner = corner
	r.RelicCornerDx, r.RelicCornerDy = dx, dy
}

func (r *Record) Level(upgradeID string) int {
	if r.Upgrades == nil {
		return 0
	}
	return r.Upgrades[upgradeID]
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Upgrades != nil {
		c.Upgrades = make(map[string]int, len(r.Upgrades))
		for k, v := range r.Upgrades {
			c.Upgrades[k] = v
		}
	}
	c.RoomIDs = append([]int64(nil), r.RoomIDs...)
	return &c
}

// Check verifies the record invariants against the tier radius table.
func (r *Record) Check(radiusFor func(int) int) error {
	if r.Username == "" || r.RefugeID == "" {
		return fmt.Errorf("record: missing identity")
	}
	if want := radiusFor(r.Tier); r.Radius != want {
		return fmt.Errorf("record %s: radius %d does not match tier %d radius %d", r.Username, r.Radius, r.Tier, want)
	}
	if !r.Bounds().Contains(r.RelicX, r.RelicY) {
		return fmt.Errorf("record %s: relic (%d,%d) outside bounds", r.Username, r.RelicX, r.RelicY)
	}
	return nil
}

// Serialize returns the wire-safe subset of r.
func Serialize(r *Record) *protocol.RefugeData {
	if r == nil {
		return nil
	}
	c := r.Clone()
	return &protocol.RefugeData{
		RefugeID:      c.RefugeID,
		Username:      c.Username,
		CenterX:       c.CenterX,
		CenterY:       c.CenterY,
		CenterZ:       c.CenterZ,
		Tier:          c.Tier,
		Radius:        c.Radius,
		Upgrades:      c.Upgrades,
		RelicX:        c.RelicX,
		RelicY:        c.RelicY,
		RelicZ:        c.RelicZ,
		RelicCorner:   c.RelicCorner,
		RelicCornerDx: c.RelicCornerDx,
		RelicCornerDy: c.RelicCornerDy,
		CreatedTime:   c.CreatedTime,
		LastExpanded:  c.LastExpanded,
		DataVersion:   c.DataVersion,
		RoomIDs:       c.RoomIDs,
	}
}

// FromWire rebuilds a client-side mirror record from wire data.
func FromWire(d *protocol.RefugeData) *Record {
	if d == nil {
		return nil
	}
	r := &Record{
		RefugeID:      d.RefugeID,
		Username:      d.Username,
		CenterX:       d.CenterX,
		CenterY:       d.CenterY,
		CenterZ:       d.CenterZ,
		Tier:          d.Tier,
		Radius:        d.Radius,
		Upgrades:      d.Upgrades,
		RelicX:        d.RelicX,
		RelicY:        d.RelicY,
		RelicZ:        d.RelicZ,
		RelicCorner:   d.RelicCorner,
		RelicCornerDx: d.RelicCornerDx,
		RelicCornerDy: d.RelicCornerDy,
		CreatedTime:   d.CreatedTime,
		LastExpanded:  d.LastExpanded,
		DataVersion:   d.DataVersion,
		RoomIDs:       d.RoomIDs,
		GridSlot:      -1,
	}
	return r.Clone()
}

// ReturnPosition is where a player goes back to on exit.
type ReturnPosition struct {
	Pos     host.Vec3        `json:"pos"`
	Vehicle *host.VehicleRef `json:"vehicle,omitempty"`
}

func (rp ReturnPosition) Wire() *protocol.ReturnPosition {
	w := &protocol.ReturnPosition{X: rp.Pos.X, Y: rp.Pos.Y, Z: rp.Pos.Z}
	if rp.Vehicle != nil {
		w.FromVehicle = true
		w.VehicleID = rp.Vehicle.ID
		w.VehicleSeat = rp.Vehicle.Seat
		w.VehicleX, w.VehicleY, w.VehicleZ = rp.Vehicle.Pos.X, rp.Vehicle.Pos.Y, rp.Vehicle.Pos.Z
	}
	return w
}
