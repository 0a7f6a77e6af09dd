// Package structure places and maintains the physical refuge: the wall ring one tile
// outside the interior, the relic, and the hostile-entity sweep.
//
// Every call that writes to the world assumes the caller already confirmed the touched
// area is loaded (see AreaLoaded). Writing into an unloaded chunk is a caller bug.
package structure

import (
	"fmt"
	"log"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/tuning"
)

// Process tells the generator whether it runs in the dedicated server process.
type Process interface {
	IsServerProcess() bool
}

// SweepNotifier pushes swept entity ids to the owning client.
type SweepNotifier func(username string, ids []int64)

type Generator struct {
	world  host.World
	tune   tuning.Tuning
	proc   Process
	notify SweepNotifier
	log    *log.Logger
}

func New(world host.World, tune tuning.Tuning, proc Process, notify SweepNotifier, logger *log.Logger) *Generator {
	return &Generator{world: world, tune: tune, proc: proc, notify: notify, log: logger}
}

func (g *Generator) logf(format string, args ...any) {
	if g.log != nil {
		g.log.Printf(format, args...)
	}
}

// WallTile is one segment of a perimeter ring.
type WallTile struct {
	Pos    host.Vec3
	Sprite string
}

// Perimeter returns the wall ring for an interior of center±radius, walking clockwise
// from the northwest corner. Only the NW and SE corners get corner art; the NE and SW
// corners use the edge sprite.
func Perimeter(center host.Vec3, radius int, sp tuning.Sprites) []WallTile {
	ring := host.Square(center, radius+1)
	out := make([]WallTile, 0, 8*(radius+1))
	sprite := func(x, y int) string {
		switch {
		case x == ring.MinX && y == ring.MinY:
			return sp.CornerNW
		case x == ring.MaxX && y == ring.MaxY:
			return sp.CornerSE
		case y == ring.MinY || y == ring.MaxY:
			return sp.WallNorth
		default:
			return sp.WallWest
		}
	}
	add := func(x, y int) {
		out = append(out, WallTile{Pos: host.Vec3{X: x, Y: y, Z: center.Z}, Sprite: sprite(x, y)})
	}
	for x := ring.MinX; x <= ring.MaxX; x++ {
		add(x, ring.MinY)
	}
	for y := ring.MinY + 1; y <= ring.MaxY; y++ {
		add(ring.MaxX, y)
	}
	for x := ring.MaxX - 1; x >= ring.MinX; x-- {
		add(x, ring.MaxY)
	}
	for y := ring.MaxY - 1; y > ring.MinY; y-- {
		add(ring.MinX, y)
	}
	return out
}

func protection(refugeID string) host.ObjectFlags {
	return host.ObjectFlags{Indestructible: true, NoPickup: true, RefugeID: refugeID}
}

// AreaLoaded reports whether every tile of the interior plus the wall ring at radius is loaded.
func (g *Generator) AreaLoaded(rec *registry.Record, radius int) bool {
	r := host.Square(rec.Center(), radius+1)
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			if !g.world.IsLoaded(x, y, r.Z) {
				return false
			}
		}
	}
	return true
}

// FindRelic looks for the refuge's relic at its stored position, then anywhere in the
// interior (a relic may be left behind by a crash between move and save).
func (g *Generator) FindRelic(rec *registry.Record) (*host.Object, host.Vec3, bool) {
	if o := g.relicAt(rec.Relic(), rec.RefugeID); o != nil {
		return o, rec.Relic(), true
	}
	b := rec.Bounds()
	for x := b.MinX; x <= b.MaxX; x++ {
		for y := b.MinY; y <= b.MaxY; y++ {
			p := host.Vec3{X: x, Y: y, Z: b.Z}
			if o := g.relicAt(p, rec.RefugeID); o != nil {
				return o, p, true
			}
		}
	}
	return nil, host.Vec3{}, false
}

func (g *Generator) RelicExists(rec *registry.Record) bool {
	_, _, ok := g.FindRelic(rec)
	return ok
}

func (g *Generator) relicAt(p host.Vec3, refugeID string) *host.Object {
	for _, o := range g.world.Objects(p.X, p.Y, p.Z) {
		if o.Kind == host.ObjectRelic && o.Flags.RefugeID == refugeID {
			return o
		}
	}
	return nil
}

func (g *Generator) wallAt(p host.Vec3, refugeID string) *host.Object {
	for _, o := range g.world.Objects(p.X, p.Y, p.Z) {
		if o.Kind == host.ObjectWall && o.Flags.RefugeID == refugeID {
			return o
		}
	}
	return nil
}

// Result describes what EnsureStructures did.
type Result struct {
	Generated bool
	Walls     int
	Swept     []int64
}

// EnsureStructures creates the wall ring and relic for rec unless a relic already exists,
// in which case only the hostile sweep runs.
func (g *Generator) EnsureStructures(rec *registry.Record, username string) (Result, error) {
	if g.RelicExists(rec) {
		return Result{Swept: g.ClearZombies(rec, username, false)}, nil
	}
	walls, err := g.placeWalls(rec, rec.Radius)
	if err != nil {
		return Result{Walls: walls}, err
	}
	relic := &host.Object{
		Kind:    host.ObjectRelic,
		Sprite:  g.tune.Sprites.Relic,
		Solid:   true,
		Flags:   protection(rec.RefugeID),
		Storage: host.NewContainer(rec.RefugeID + "_relic"),
	}
	if err := g.world.AddObject(rec.Relic(), relic); err != nil {
		return Result{Walls: walls}, err
	}
	g.logf("generated %s r=%d walls=%d relic=(%d,%d,%d)", rec.RefugeID, rec.Radius, walls, rec.RelicX, rec.RelicY, rec.RelicZ)
	return Result{Generated: true, Walls: walls, Swept: g.ClearZombies(rec, username, true)}, nil
}

// placeWalls adds missing wall segments of the ring at radius and returns how many it placed.
func (g *Generator) placeWalls(rec *registry.Record, radius int) (int, error) {
	n := 0
	for _, wt := range Perimeter(rec.Center(), radius, g.tune.Sprites) {
		if g.wallAt(wt.Pos, rec.RefugeID) != nil {
			continue
		}
		w := &host.Object{Kind: host.ObjectWall, Sprite: wt.Sprite, Solid: true, Flags: protection(rec.RefugeID)}
		if err := g.world.AddObject(wt.Pos, w); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RemovePerimeter deletes rec's wall segments on the ring at radius.
func (g *Generator) RemovePerimeter(rec *registry.Record, radius int) int {
	n := 0
	for _, wt := range Perimeter(rec.Center(), radius, g.tune.Sprites) {
		if o := g.wallAt(wt.Pos, rec.RefugeID); o != nil {
			if err := g.world.RemoveObject(wt.Pos, o.ID); err == nil {
				n++
			}
		}
	}
	return n
}

// ExpandRefuge sets rec to newTier and builds the larger ring. The old ring is left for
// the caller to remove. rec is updated in place but not saved.
func (g *Generator) ExpandRefuge(rec *registry.Record, newTier int) bool {
	if _, ok := g.tune.Tier(newTier); !ok || newTier <= rec.Tier {
		return false
	}
	radius := g.tune.RadiusFor(newTier)
	if !g.AreaLoaded(rec, radius) {
		return false
	}
	if _, err := g.placeWalls(rec, radius); err != nil {
		g.logf("expand %s: %v", rec.RefugeID, err)
		return false
	}
	rec.Tier, rec.Radius = newTier, radius
	return true
}

// MoveRelic moves the relic to center + (dx, dy) * radius. The offset must already be
// sanitized. It returns a protocol message key on failure.
func (g *Generator) MoveRelic(rec *registry.Record, dx, dy int, cornerName string, existing *host.Object) (bool, string) {
	target := rec.Center().Add(dx*rec.Radius, dy*rec.Radius)
	if !g.world.IsLoaded(target.X, target.Y, target.Z) {
		return false, protocol.ErrChunkNotLoaded
	}
	relic, from := existing, rec.Relic()
	if relic == nil {
		var ok bool
		relic, from, ok = g.FindRelic(rec)
		if !ok {
			return false, protocol.ErrRelicNotFound
		}
	}
	if from == target {
		return false, protocol.ErrRelicAlreadyThere
	}
	for _, o := range g.world.Objects(target.X, target.Y, target.Z) {
		if o.Solid && o.ID != relic.ID {
			return false, protocol.ErrRelicBlocked
		}
	}
	if !g.world.IsLoaded(from.X, from.Y, from.Z) {
		return false, protocol.ErrChunkNotLoaded
	}
	if err := g.world.RemoveObject(from, relic.ID); err != nil {
		return false, protocol.ErrRelicNotFound
	}
	if err := g.world.AddObject(target, relic); err != nil {
		// Put it back where it was; from was loaded a moment ago.
		_ = g.world.AddObject(from, relic)
		return false, protocol.ErrChunkNotLoaded
	}
	rec.SetRelic(target, cornerName, dx, dy)
	return true, ""
}

// RevertLayout puts the world back to prev's ring and relic after cur was built but
// could not be saved. The relic moves first so the old ring's tiles are free again.
func (g *Generator) RevertLayout(cur, prev *registry.Record) error {
	if cur.Relic() != prev.Relic() {
		relic := g.relicAt(cur.Relic(), cur.RefugeID)
		if relic == nil {
			return fmt.Errorf("revert %s: relic not at (%d,%d,%d)", cur.RefugeID, cur.RelicX, cur.RelicY, cur.RelicZ)
		}
		if err := g.world.RemoveObject(cur.Relic(), relic.ID); err != nil {
			return fmt.Errorf("revert %s: %w", cur.RefugeID, err)
		}
		if err := g.world.AddObject(prev.Relic(), relic); err != nil {
			return fmt.Errorf("revert %s: %w", cur.RefugeID, err)
		}
	}
	if cur.Radius != prev.Radius {
		g.RemovePerimeter(cur, cur.Radius)
		if _, err := g.placeWalls(prev, prev.Radius); err != nil {
			return fmt.Errorf("revert %s: %w", cur.RefugeID, err)
		}
	}
	return nil
}

// ReseatRelic moves a cornered relic onto its corner for the current radius.
func (g *Generator) ReseatRelic(rec *registry.Record) (bool, string) {
	if rec.RelicCornerDx == 0 && rec.RelicCornerDy == 0 {
		return true, ""
	}
	want := rec.Center().Add(rec.RelicCornerDx*rec.Radius, rec.RelicCornerDy*rec.Radius)
	if rec.Relic() == want && g.relicAt(want, rec.RefugeID) != nil {
		return true, ""
	}
	return g.MoveRelic(rec, rec.RelicCornerDx, rec.RelicCornerDy, rec.RelicCorner, nil)
}

// ClearZombies removes zombies and corpses within radius+buffer of the center. Refuges in
// the dead zone are skipped unless force is set. In the server process the removed ids
// are pushed to the owning client.
func (g *Generator) ClearZombies(rec *registry.Record, username string, force bool) []int64 {
	if !force && g.tune.Sweep.DeadZone.Contains(rec.CenterX, rec.CenterY) {
		return nil
	}
	area := host.Square(rec.Center(), rec.Radius+g.tune.Sweep.Buffer)
	var ids []int64
	for _, e := range g.world.EntitiesIn(area) {
		if e.Kind != host.EntityZombie && e.Kind != host.EntityCorpse {
			continue
		}
		if g.world.RemoveEntity(e.OnlineID) {
			ids = append(ids, e.OnlineID)
		}
	}
	if len(ids) > 0 && g.notify != nil && g.proc != nil && g.proc.IsServerProcess() {
		g.notify(username, ids)
	}
	return ids
}

// ReapplyProtection restores protection flags on rec's ring and relic. The host's save
// path drops some object flags, so clients run this after every generation.
func (g *Generator) ReapplyProtection(rec *registry.Record) int {
	n := 0
	fix := func(o *host.Object) {
		want := protection(rec.RefugeID)
		if o.Flags != want {
			o.Flags = want
			n++
		}
	}
	for _, wt := range Perimeter(rec.Center(), rec.Radius, g.tune.Sprites) {
		for _, o := range g.world.Objects(wt.Pos.X, wt.Pos.Y, wt.Pos.Z) {
			if o.Kind == host.ObjectWall && (o.Flags.RefugeID == rec.RefugeID || o.Flags.RefugeID == "") {
				fix(o)
			}
		}
	}
	p := rec.Relic()
	for _, o := range g.world.Objects(p.X, p.Y, p.Z) {
		if o.Kind == host.ObjectRelic && (o.Flags.RefugeID == rec.RefugeID || o.Flags.RefugeID == "") {
			fix(o)
		}
	}
	return n
}

// RelicStorage returns the relic's container, or nil when the relic is not found.
func (g *Generator) RelicStorage(rec *registry.Record) *host.Container {
	o, _, ok := g.FindRelic(rec)
	if !ok {
		return nil
	}
	if o.Storage == nil {
		o.Storage = host.NewContainer(rec.RefugeID + "_relic")
	}
	return o.Storage
}
