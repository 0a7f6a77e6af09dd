package host

import "errors"

var (
	ErrChunkNotLoaded = errors.New("chunk not loaded")
	ErrNoSuchObject   = errors.New("no such object")
)

type ObjectKind string

const (
	ObjectWall  ObjectKind = "WALL"
	ObjectRelic ObjectKind = "RELIC"
	ObjectOther ObjectKind = "OTHER"
)

// ObjectFlags are the protection markers carried by refuge objects.
type ObjectFlags struct {
	Indestructible bool   `json:"indestructible,omitempty"`
	NoPickup       bool   `json:"noPickup,omitempty"`
	RefugeID       string `json:"refugeId,omitempty"`
}

// Object is a tile object (wall segment, relic, furniture...).
type Object struct {
	ID      int64       `json:"id"`
	Kind    ObjectKind  `json:"kind"`
	Sprite  string      `json:"sprite"`
	Solid   bool        `json:"solid"`
	Flags   ObjectFlags `json:"flags"`
	Storage *Container  `json:"storage,omitempty"`
}

type EntityKind string

const (
	EntityZombie EntityKind = "ZOMBIE"
	EntityCorpse EntityKind = "CORPSE"
)

// Entity is a mobile or dead body entity with a network id.
type Entity struct {
	OnlineID int64      `json:"onlineId"`
	Kind     EntityKind `json:"kind"`
	Pos      Vec3       `json:"pos"`
}

// World is the tile world query/mutate surface. Mutating an unloaded cell returns
// ErrChunkNotLoaded; callers are expected to have confirmed loading beforehand.
type World interface {
	IsLoaded(x, y, z int) bool
	Objects(x, y, z int) []*Object
	AddObject(pos Vec3, o *Object) error
	RemoveObject(pos Vec3, id int64) error
	EntitiesIn(r Rect) []Entity
	RemoveEntity(onlineID int64) bool
	RoomsIn(r Rect) []int64
	RecalcVisibility(r Rect)
}
