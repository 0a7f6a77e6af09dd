// Package registry is the refuge data store: one record per player plus the pending
// return positions, written through to the host save store.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/tuning"
)

var (
	ErrNoAuthority         = errors.New("registry: process has no authority to modify data")
	ErrGridFull            = errors.New("registry: no free refuge slot")
	ErrSlotTaken           = errors.New("registry: slot already assigned")
	ErrBadSlot             = errors.New("registry: slot out of range")
	ErrReturnInsideRefuge  = errors.New("registry: return position inside refuge block")
	ErrUnknownPlayer       = errors.New("registry: player has no username")
	ErrInvariantViolation  = errors.New("registry: record invariant violated")
	ErrRecordNotRegistered = errors.New("registry: no such record")
)

// Authority decides whether this process may mutate the registry.
type Authority interface {
	CanModifyData() bool
}

// Broadcaster pushes the full serialized registry to every connected client.
type Broadcaster func(all map[string]protocol.RefugeData)

type Registry struct {
	store Store
	auth  Authority
	tune  tuning.Tuning
	clock host.Clock
	log   *log.Logger

	records map[string]*Record
	slots   map[int]string
	returns map[string]ReturnPosition

	broadcast Broadcaster
}

// Open loads every stored record, migrating old schema versions in place.
func Open(store Store, auth Authority, tune tuning.Tuning, clock host.Clock, logger *log.Logger) (*Registry, error) {
	if clock == nil {
		clock = host.SystemClock{}
	}
	r := &Registry{
		store:   store,
		auth:    auth,
		tune:    tune,
		clock:   clock,
		log:     logger,
		records: map[string]*Record{},
		slots:   map[int]string{},
		returns: map[string]ReturnPosition{},
	}
	stored, err := store.LoadRecords()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	for _, sr := range stored {
		rec, err := Migrate(sr, tune)
		if err != nil {
			r.logf("skip record %s: %v", sr.Username, err)
			continue
		}
		r.records[rec.Username] = rec
		if rec.GridSlot >= 0 {
			r.slots[rec.GridSlot] = rec.Username
		}
		if sr.Version != CurrentVersion && r.canModify() {
			if err := r.persist(rec); err != nil {
				return nil, err
			}
			r.logf("migrated record %s from v%d", rec.Username, sr.Version)
		}
	}
	rps, err := store.LoadReturnPositions()
	if err != nil {
		return nil, fmt.Errorf("load return positions: %w", err)
	}
	for name, raw := range rps {
		var rp ReturnPosition
		if err := json.Unmarshal(raw, &rp); err != nil {
			r.logf("skip return position %s: %v", name, err)
			continue
		}
		r.returns[name] = rp
	}
	return r, nil
}

func (r *Registry) SetBroadcaster(b Broadcaster) { r.broadcast = b }

func (r *Registry) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Printf(format, args...)
	}
}

func (r *Registry) canModify() bool { return r.auth == nil || r.auth.CanModifyData() }

func (r *Registry) Len() int { return len(r.records) }

// Get returns a copy of the record for username.
func (r *Registry) Get(username string) (*Record, bool) {
	rec, ok := r.records[username]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetOrCreate returns the player's record, creating a tier-0 record at the next free
// grid slot on first use.
func (r *Registry) GetOrCreate(p host.PlayerHandle) (*Record, bool, error) {
	name, err := p.Username()
	if err != nil || name == "" {
		return nil, false, ErrUnknownPlayer
	}
	if rec, ok := r.Get(name); ok {
		return rec, false, nil
	}
	if !r.canModify() {
		return nil, false, ErrNoAuthority
	}
	slot := r.freeSlot()
	if slot < 0 {
		return nil, false, ErrGridFull
	}
	rec := r.newRecord(name, slot)
	if err := r.Save(rec); err != nil {
		return nil, false, err
	}
	r.logf("created refuge %s slot=%d center=(%d,%d,%d)", rec.RefugeID, slot, rec.CenterX, rec.CenterY, rec.CenterZ)
	return rec.Clone(), true, nil
}

func (r *Registry) newRecord(username string, slot int) *Record {
	center := r.SlotCenter(slot)
	rec := &Record{
		RefugeID:    RefugeIDFor(username),
		Username:    username,
		CenterX:     center.X,
		CenterY:     center.Y,
		CenterZ:     center.Z,
		Tier:        0,
		Radius:      r.tune.RadiusFor(0),
		Upgrades:    map[string]int{},
		CreatedTime: r.clock.Now().Unix(),
		DataVersion: CurrentVersion,
		GridSlot:    slot,
	}
	rec.SetRelic(center, CornerCenter, 0, 0)
	return rec
}

func (r *Registry) freeSlot() int {
	n := r.tune.Grid.Columns * r.tune.Grid.Rows
	for s := 0; s < n; s++ {
		if _, taken := r.slots[s]; !taken {
			return s
		}
	}
	return -1
}

// SlotCenter returns the refuge center for a grid slot.
func (r *Registry) SlotCenter(slot int) host.Vec3 {
	g := r.tune.Grid
	col, row := slot%g.Columns, slot/g.Columns
	return host.Vec3{X: g.OriginX + col*g.Spacing, Y: g.OriginY + row*g.Spacing, Z: g.Z}
}

// Save validates and writes rec, then transmits the registry.
func (r *Registry) Save(rec *Record) error {
	if !r.canModify() {
		return ErrNoAuthority
	}
	if rec == nil {
		return ErrRecordNotRegistered
	}
	if err := rec.Check(r.tune.RadiusFor); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if owner, ok := r.slots[rec.GridSlot]; ok && rec.GridSlot >= 0 && owner != rec.Username {
		return ErrSlotTaken
	}
	rec.DataVersion = CurrentVersion
	c := rec.Clone()
	if err := r.persist(c); err != nil {
		return err
	}
	if prev, ok := r.records[c.Username]; ok && prev.GridSlot != c.GridSlot {
		delete(r.slots, prev.GridSlot)
	}
	r.records[c.Username] = c
	if c.GridSlot >= 0 {
		r.slots[c.GridSlot] = c.Username
	}
	r.Transmit()
	return nil
}

func (r *Registry) persist(rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.store.SaveRecord(StoredRecord{Username: rec.Username, Version: CurrentVersion, Data: raw}); err != nil {
		return fmt.Errorf("save record %s: %w", rec.Username, err)
	}
	return nil
}

// Delete drops username's record. World structures are left in place.
func (r *Registry) Delete(username string) error {
	if !r.canModify() {
		return ErrNoAuthority
	}
	rec, ok := r.records[username]
	if !ok {
		return nil
	}
	if err := r.store.DeleteRecord(username); err != nil {
		return fmt.Errorf("delete record %s: %w", username, err)
	}
	delete(r.records, username)
	if r.slots[rec.GridSlot] == username {
		delete(r.slots, rec.GridSlot)
	}
	r.logf("deleted refuge %s", rec.RefugeID)
	r.Transmit()
	return nil
}

// Assign places username's refuge at slot explicitly (admin recovery). An existing
// record keeps its tier and upgrades; its relic is re-seated relative to the new center.
func (r *Registry) Assign(username string, slot int, by string) (*Record, error) {
	if !r.canModify() {
		return nil, ErrNoAuthority
	}
	if slot < 0 || slot >= r.tune.Grid.Columns*r.tune.Grid.Rows {
		return nil, ErrBadSlot
	}
	if owner, ok := r.slots[slot]; ok && owner != username {
		return nil, ErrSlotTaken
	}
	rec, ok := r.Get(username)
	if !ok {
		rec = r.newRecord(username, slot)
	} else {
		center := r.SlotCenter(slot)
		rec.GridSlot = slot
		rec.CenterX, rec.CenterY, rec.CenterZ = center.X, center.Y, center.Z
		rec.SetRelic(center.Add(rec.RelicCornerDx*rec.Radius, rec.RelicCornerDy*rec.Radius), rec.RelicCorner, rec.RelicCornerDx, rec.RelicCornerDy)
	}
	rec.AssignedBy = by
	if err := r.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// All returns copies of every record ordered by grid slot, then username.
func (r *Registry) All() []*Record {
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GridSlot != out[j].GridSlot {
			return out[i].GridSlot < out[j].GridSlot
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// FindByCoordinate returns the record whose grid cell contains (x, y).
func (r *Registry) FindByCoordinate(x, y int) (*Record, bool) {
	half := r.tune.Grid.Spacing / 2
	for _, rec := range r.records {
		if host.Square(rec.Center(), half).Contains(x, y) {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// InRefugeBlock reports whether (x, y) falls inside the coordinate block reserved for refuges.
func (r *Registry) InRefugeBlock(x, y int) bool {
	g := r.tune.Grid
	half := g.Spacing / 2
	block := host.Rect{
		MinX: g.OriginX - half,
		MinY: g.OriginY - half,
		MaxX: g.OriginX + (g.Columns-1)*g.Spacing + half,
		MaxY: g.OriginY + (g.Rows-1)*g.Spacing + half,
	}
	if block.Contains(x, y) {
		return true
	}
	_, ok := r.FindByCoordinate(x, y)
	return ok
}

func (r *Registry) SetReturnPosition(username string, rp ReturnPosition) error {
	if !r.canModify() {
		return ErrNoAuthority
	}
	if r.InRefugeBlock(rp.Pos.X, rp.Pos.Y) {
		return ErrReturnInsideRefuge
	}
	raw, err := json.Marshal(rp)
	if err != nil {
		return err
	}
	if err := r.store.SaveReturnPosition(username, raw); err != nil {
		return fmt.Errorf("save return position %s: %w", username, err)
	}
	r.returns[username] = rp
	return nil
}

func (r *Registry) PeekReturnPosition(username string) (ReturnPosition, bool) {
	rp, ok := r.returns[username]
	return rp, ok
}

// TakeReturnPosition reads and clears the stored return position.
func (r *Registry) TakeReturnPosition(username string) (ReturnPosition, bool, error) {
	if !r.canModify() {
		return ReturnPosition{}, false, ErrNoAuthority
	}
	rp, ok := r.returns[username]
	if !ok {
		return ReturnPosition{}, false, nil
	}
	if err := r.store.DeleteReturnPosition(username); err != nil {
		return ReturnPosition{}, false, fmt.Errorf("clear return position %s: %w", username, err)
	}
	delete(r.returns, username)
	return rp, true, nil
}

// Snapshot returns the wire-safe view of every record.
func (r *Registry) Snapshot() map[string]protocol.RefugeData {
	out := make(map[string]protocol.RefugeData, len(r.records))
	for name, rec := range r.records {
		out[name] = *Serialize(rec)
	}
	return out
}

// Transmit pushes the whole registry to every client.
func (r *Registry) Transmit() {
	if r.broadcast == nil {
		return
	}
	r.broadcast(r.Snapshot())
}

// Replace swaps in a full mirror received from the server. Used by clients, which
// never write through to a store.
func (r *Registry) Replace(all map[string]protocol.RefugeData) {
	r.records = make(map[string]*Record, len(all))
	for name, d := range all {
		d := d
		r.records[name] = FromWire(&d)
	}
	r.slots = map[int]string{}
}
