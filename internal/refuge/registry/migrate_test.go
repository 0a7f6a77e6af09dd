package registry

import (
	"encoding/json"
	"testing"

	"refuge.voxelcraft.ai/internal/tuning"
)

func TestMigrate_FromV1(t *testing.T) {
	tu := tuning.Defaults()
	raw, _ := json.Marshal(map[string]any{"username": "alice", "x": 1050, "y": 1100, "z": 0, "tier": 2})

	rec, err := Migrate(StoredRecord{Username: "alice", Version: 1, Data: raw}, tu)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if rec.CenterX != 1050 || rec.CenterY != 1100 || rec.Radius != tu.RadiusFor(2) {
		t.Fatalf("center/radius: %+v", rec)
	}
	if rec.RelicX != 1050 || rec.RelicY != 1100 || rec.RelicCorner != CornerCenter {
		t.Fatalf("relic: %+v", rec)
	}
	if rec.GridSlot != 21 {
		t.Fatalf("slot: got %d want 21", rec.GridSlot)
	}
	if rec.DataVersion != CurrentVersion || rec.RefugeID != "refuge_alice" {
		t.Fatalf("version/id: %+v", rec)
	}
	if err := rec.Check(tu.RadiusFor); err != nil {
		t.Fatalf("migrated record invalid: %v", err)
	}
}

func TestMigrate_V4ReseatsCornerRelic(t *testing.T) {
	tu := tuning.Defaults()
	// Expanded from tier 1 to tier 2 but the relic stayed on the old corner.
	raw, _ := json.Marshal(map[string]any{
		"username": "bob", "centerX": 1000, "centerY": 1000, "centerZ": 0,
		"tier": 2, "radius": 3, "relicX": 1002, "relicY": 1002, "relicZ": 0,
		"relicCorner": "SouthEast", "upgrades": map[string]int{"lighting": 1},
	})
	rec, err := Migrate(StoredRecord{Username: "bob", Version: 4, Data: raw}, tu)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if rec.RelicX != 1003 || rec.RelicY != 1003 || rec.RelicCornerDx != 1 || rec.RelicCornerDy != 1 {
		t.Fatalf("relic: %+v", rec)
	}
	if rec.Level("lighting") != 1 || rec.GridSlot != 0 {
		t.Fatalf("upgrades/slot: %+v", rec)
	}
}

func TestMigrate_UnknownCornerFallsBackToCenter(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"username": "c", "centerX": 1000, "centerY": 1000, "tier": 0, "radius": 1,
		"relicX": 1000, "relicY": 1001, "relicCorner": "South",
	})
	rec, err := Migrate(StoredRecord{Username: "c", Version: 4, Data: raw}, tuning.Defaults())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if rec.RelicCorner != CornerCenter || rec.RelicX != 1000 || rec.RelicY != 1000 {
		t.Fatalf("relic: %+v", rec)
	}
}

func TestMigrate_RejectsFutureVersion(t *testing.T) {
	if _, err := Migrate(StoredRecord{Username: "x", Version: CurrentVersion + 1, Data: []byte(`{}`)}, tuning.Defaults()); err == nil {
		t.Fatalf("expected error for future version")
	}
}

func TestOpen_RewritesMigratedRecords(t *testing.T) {
	store := NewMemStore()
	raw, _ := json.Marshal(map[string]any{"username": "alice", "x": 1000, "y": 1000, "z": 0, "tier": 0})
	store.SaveRecord(StoredRecord{Username: "alice", Version: 1, Data: raw})

	r := openTest(t, store, authFlag(true))
	if _, ok := r.Get("alice"); !ok {
		t.Fatalf("migrated record missing")
	}
	stored, _ := store.LoadRecords()
	if len(stored) != 1 || stored[0].Version != CurrentVersion {
		t.Fatalf("store not rewritten: %+v", stored)
	}
	// Slot 0 is now taken by the migrated record.
	b, _, err := r.GetOrCreate(namedPlayer("bob"))
	if err != nil || b.GridSlot != 1 {
		t.Fatalf("bob: %+v err=%v", b, err)
	}
}

func TestOpen_SkipsCorruptRecords(t *testing.T) {
	store := NewMemStore()
	store.SaveRecord(StoredRecord{Username: "bad", Version: CurrentVersion, Data: []byte(`{not json`)})
	r := openTest(t, store, authFlag(true))
	if r.Len() != 0 {
		t.Fatalf("corrupt record should be skipped")
	}
}
