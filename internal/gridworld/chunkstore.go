// Package gridworld is an in-memory tile world with chunk streaming. Chunks load a fixed
// number of ticks after a player focuses them and stay resident only while focused; their
// contents survive unloading the way a save file would keep them.
package gridworld

import (
	"sort"

	"refuge.voxelcraft.ai/internal/host"
)

type Config struct {
	ChunkSize      int // tiles per chunk edge
	LoadDelayTicks int // ticks between focus and loaded
	ViewChunks     int // chunk radius kept loaded around a focus point
}

func DefaultConfig() Config {
	return Config{ChunkSize: 10, LoadDelayTicks: 3, ViewChunks: 2}
}

type ChunkKey struct {
	CX int
	CY int
	Z  int
}

type tileKey struct{ X, Y int }

type Chunk struct {
	Key       ChunkKey
	readyTick uint64
	focus     int
	objects   map[tileKey][]*host.Object
}

// World is accessed only from the owning loop goroutine.
type World struct {
	cfg  Config
	tick uint64

	chunks   map[ChunkKey]*Chunk
	focus    map[string][]ChunkKey
	entities map[int64]host.Entity

	nextObject int64
	nextEntity int64

	recalcs []host.Rect
}

func New(cfg Config) *World {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10
	}
	if cfg.ViewChunks < 0 {
		cfg.ViewChunks = 0
	}
	return &World{
		cfg:      cfg,
		chunks:   map[ChunkKey]*Chunk{},
		focus:    map[string][]ChunkKey{},
		entities: map[int64]host.Entity{},
	}
}

func (w *World) Tick()               { w.tick++ }
func (w *World) CurrentTick() uint64 { return w.tick }

func (w *World) keyFor(x, y, z int) ChunkKey {
	return ChunkKey{CX: floorDiv(x, w.cfg.ChunkSize), CY: floorDiv(y, w.cfg.ChunkSize), Z: z}
}

func (w *World) chunk(k ChunkKey) *Chunk {
	c := w.chunks[k]
	if c == nil {
		c = &Chunk{Key: k, objects: map[tileKey][]*host.Object{}}
		w.chunks[k] = c
	}
	return c
}

// Focus keeps the chunks around pos resident for owner, replacing owner's previous focus.
func (w *World) Focus(owner string, pos host.Vec3) {
	center := w.keyFor(pos.X, pos.Y, pos.Z)
	r := w.cfg.ViewChunks
	keys := make([]ChunkKey, 0, (2*r+1)*(2*r+1))
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			keys = append(keys, ChunkKey{CX: center.CX + dx, CY: center.CY + dy, Z: center.Z})
		}
	}
	prev := w.focus[owner]
	for _, k := range keys {
		c := w.chunk(k)
		if c.focus == 0 {
			c.readyTick = w.tick + uint64(w.cfg.LoadDelayTicks)
		}
		c.focus++
	}
	for _, k := range prev {
		if c := w.chunks[k]; c != nil && c.focus > 0 {
			c.focus--
		}
	}
	w.focus[owner] = keys
}

// Release drops owner's focus entirely (disconnect).
func (w *World) Release(owner string) {
	for _, k := range w.focus[owner] {
		if c := w.chunks[k]; c != nil && c.focus > 0 {
			c.focus--
		}
	}
	delete(w.focus, owner)
}

// LoadNow makes the chunk containing (x, y, z) resident immediately; tests and
// admin tooling use it to pin areas.
func (w *World) LoadNow(x, y, z int) {
	c := w.chunk(w.keyFor(x, y, z))
	c.focus++
	c.readyTick = w.tick
}

func (w *World) IsLoaded(x, y, z int) bool {
	c := w.chunks[w.keyFor(x, y, z)]
	return c != nil && c.focus > 0 && w.tick >= c.readyTick
}

func (w *World) LoadedChunkKeys() []ChunkKey {
	keys := make([]ChunkKey, 0, len(w.chunks))
	for k, c := range w.chunks {
		if c.focus > 0 && w.tick >= c.readyTick {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		if keys[i].CY != keys[j].CY {
			return keys[i].CY < keys[j].CY
		}
		return keys[i].Z < keys[j].Z
	})
	return keys
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
