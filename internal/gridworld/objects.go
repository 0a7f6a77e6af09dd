package gridworld

import (
	"sort"

	"refuge.voxelcraft.ai/internal/host"
)

func (w *World) Objects(x, y, z int) []*host.Object {
	if !w.IsLoaded(x, y, z) {
		return nil
	}
	c := w.chunks[w.keyFor(x, y, z)]
	return c.objects[tileKey{X: x, Y: y}]
}

func (w *World) AddObject(pos host.Vec3, o *host.Object) error {
	if o == nil {
		return host.ErrNoSuchObject
	}
	if !w.IsLoaded(pos.X, pos.Y, pos.Z) {
		return host.ErrChunkNotLoaded
	}
	if o.ID == 0 {
		w.nextObject++
		o.ID = w.nextObject
	}
	c := w.chunks[w.keyFor(pos.X, pos.Y, pos.Z)]
	k := tileKey{X: pos.X, Y: pos.Y}
	c.objects[k] = append(c.objects[k], o)
	return nil
}

func (w *World) RemoveObject(pos host.Vec3, id int64) error {
	if !w.IsLoaded(pos.X, pos.Y, pos.Z) {
		return host.ErrChunkNotLoaded
	}
	c := w.chunks[w.keyFor(pos.X, pos.Y, pos.Z)]
	k := tileKey{X: pos.X, Y: pos.Y}
	objs := c.objects[k]
	for i, o := range objs {
		if o.ID == id {
			c.objects[k] = append(objs[:i], objs[i+1:]...)
			if len(c.objects[k]) == 0 {
				delete(c.objects, k)
			}
			return nil
		}
	}
	return host.ErrNoSuchObject
}

// CountObjects counts objects of kind tagged with refugeID, loaded or not.
func (w *World) CountObjects(kind host.ObjectKind, refugeID string) int {
	n := 0
	for _, c := range w.chunks {
		for _, objs := range c.objects {
			for _, o := range objs {
				if o.Kind == kind && o.Flags.RefugeID == refugeID {
					n++
				}
			}
		}
	}
	return n
}

// SpawnEntity places a zombie or corpse and returns its network id.
func (w *World) SpawnEntity(kind host.EntityKind, pos host.Vec3) int64 {
	w.nextEntity++
	id := w.nextEntity
	w.entities[id] = host.Entity{OnlineID: id, Kind: kind, Pos: pos}
	return id
}

func (w *World) EntitiesIn(r host.Rect) []host.Entity {
	var out []host.Entity
	for _, e := range w.entities {
		if e.Pos.Z == r.Z && r.Contains(e.Pos.X, e.Pos.Y) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OnlineID < out[j].OnlineID })
	return out
}

func (w *World) RemoveEntity(onlineID int64) bool {
	if _, ok := w.entities[onlineID]; !ok {
		return false
	}
	delete(w.entities, onlineID)
	return true
}

// RoomsIn returns one room id per loaded chunk overlapping r.
func (w *World) RoomsIn(r host.Rect) []int64 {
	lo := w.keyFor(r.MinX, r.MinY, r.Z)
	hi := w.keyFor(r.MaxX, r.MaxY, r.Z)
	var out []int64
	for cx := lo.CX; cx <= hi.CX; cx++ {
		for cy := lo.CY; cy <= hi.CY; cy++ {
			c := w.chunks[ChunkKey{CX: cx, CY: cy, Z: r.Z}]
			if c == nil || c.focus == 0 || w.tick < c.readyTick {
				continue
			}
			out = append(out, roomID(c.Key))
		}
	}
	return out
}

func roomID(k ChunkKey) int64 {
	return int64(k.Z)<<48 | int64(uint32(k.CX))<<24 | int64(uint32(k.CY)&0xFFFFFF)
}

func (w *World) RecalcVisibility(r host.Rect) { w.recalcs = append(w.recalcs, r) }

// Recalcs returns the visibility recalculations requested so far.
func (w *World) Recalcs() []host.Rect { return append([]host.Rect(nil), w.recalcs...) }
