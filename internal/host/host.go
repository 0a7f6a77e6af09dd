// Package host describes the small slice of the game host the refuge code talks to.
// Everything outside this package reaches players and the tile world only through
// these interfaces, never through concrete engine objects.
package host

import (
	"errors"
	"time"
)

// ErrPlayerGone is returned by player accessors once the underlying connection is gone.
var ErrPlayerGone = errors.New("player no longer valid")

// Vec3 is a tile coordinate. X/Y are the ground plane, Z is the floor level.
type Vec3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3) Add(dx, dy int) Vec3 { return Vec3{X: v.X + dx, Y: v.Y + dy, Z: v.Z} }

// Rect is an inclusive tile rectangle on one floor.
type Rect struct {
	MinX, MinY int
	MaxX, MaxY int
	Z          int
}

func (r Rect) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Square returns the rectangle of tiles within radius of center.
func Square(center Vec3, radius int) Rect {
	return Rect{
		MinX: center.X - radius,
		MinY: center.Y - radius,
		MaxX: center.X + radius,
		MaxY: center.Y + radius,
		Z:    center.Z,
	}
}

// Expand returns r grown to include (x, y).
func (r Rect) Expand(x, y int) Rect {
	if x < r.MinX {
		r.MinX = x
	}
	if x > r.MaxX {
		r.MaxX = x
	}
	if y < r.MinY {
		r.MinY = y
	}
	if y > r.MaxY {
		r.MaxY = y
	}
	return r
}

// VehicleRef is the vehicle context a player had when entering a refuge.
type VehicleRef struct {
	ID   int64 `json:"vehicleId"`
	Seat int   `json:"vehicleSeat"`
	Pos  Vec3  `json:"vehiclePos"`
}

// PlayerState is the replicated, client-owned portion of a player.
type PlayerState struct {
	Pos       Vec3        `json:"pos"`
	Vehicle   *VehicleRef `json:"vehicle,omitempty"`
	Busy      bool        `json:"busy,omitempty"`
	Falling   bool        `json:"falling,omitempty"`
	Climbing  bool        `json:"climbing,omitempty"`
	Dead      bool        `json:"dead,omitempty"`
	Weight    float64     `json:"weight"`
	MaxWeight float64     `json:"maxWeight"`
}

// PlayerHandle is the minimum needed to identify a player and detect disconnects.
type PlayerHandle interface {
	Username() (string, error)
	IsValid() bool
}

// Player is a connected player as seen by the process that owns it.
type Player interface {
	PlayerHandle
	State() (PlayerState, error)
	Inventory() *Container
}

// Alive reports whether p is still usable: valid and able to answer Username.
func Alive(p PlayerHandle) bool {
	if p == nil || !p.IsValid() {
		return false
	}
	name, err := p.Username()
	return err == nil && name != ""
}

// Clock is the process-local time source.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
