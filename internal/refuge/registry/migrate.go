package registry

import (
	"encoding/json"
	"fmt"

	"refuge.voxelcraft.ai/internal/tuning"
)

// Schema history:
//
//	v1: username, x, y, z, tier
//	v2: x/y/z renamed centerX/centerY/centerZ, radius added
//	v3: relicX/relicY/relicZ and upgrades added
//	v4: relicCorner (name only) added
//	v5: relicCornerDx/relicCornerDy, roomIds, gridSlot, dataVersion
type migration func(m map[string]any, tu tuning.Tuning)

var migrations = map[int]migration{
	1: migrateV1,
	2: migrateV2,
	3: migrateV3,
	4: migrateV4,
}

// Migrate upgrades a stored record to CurrentVersion.
func Migrate(sr StoredRecord, tu tuning.Tuning) (*Record, error) {
	if sr.Version > CurrentVersion {
		return nil, fmt.Errorf("record %s: version %d is newer than supported %d", sr.Username, sr.Version, CurrentVersion)
	}
	if sr.Version == CurrentVersion {
		var r Record
		if err := json.Unmarshal(sr.Data, &r); err != nil {
			return nil, fmt.Errorf("record %s: %w", sr.Username, err)
		}
		return &r, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(sr.Data, &m); err != nil {
		return nil, fmt.Errorf("record %s: %w", sr.Username, err)
	}
	v := sr.Version
	if v <= 0 {
		v = 1
	}
	for ; v < CurrentVersion; v++ {
		migrations[v](m, tu)
	}
	m["dataVersion"] = CurrentVersion
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("record %s: migrated: %w", sr.Username, err)
	}
	if r.Username == "" {
		r.Username = sr.Username
	}
	if r.RefugeID == "" {
		r.RefugeID = RefugeIDFor(r.Username)
	}
	return &r, nil
}

func num(m map[string]any, k string) int {
	switch v := m[k].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func migrateV1(m map[string]any, tu tuning.Tuning) {
	m["centerX"], m["centerY"], m["centerZ"] = num(m, "x"), num(m, "y"), num(m, "z")
	delete(m, "x")
	delete(m, "y")
	delete(m, "z")
	m["radius"] = tu.RadiusFor(num(m, "tier"))
}

func migrateV2(m map[string]any, tu tuning.Tuning) {
	m["relicX"], m["relicY"], m["relicZ"] = num(m, "centerX"), num(m, "centerY"), num(m, "centerZ")
	if _, ok := m["upgrades"]; !ok {
		m["upgrades"] = map[string]any{}
	}
	// v2 stored radius independently and could drift from the tier table.
	m["radius"] = tu.RadiusFor(num(m, "tier"))
}

func migrateV3(m map[string]any, tu tuning.Tuning) {
	if _, ok := m["relicCorner"]; !ok {
		m["relicCorner"] = CornerCenter
	}
}

func migrateV4(m map[string]any, tu tuning.Tuning) {
	name, _ := m["relicCorner"].(string)
	dx, dy, ok := CornerOffset(name)
	if !ok {
		name, dx, dy = CornerCenter, 0, 0
	}
	r := num(m, "radius")
	cx, cy := num(m, "centerX"), num(m, "centerY")
	m["relicCorner"] = name
	m["relicCornerDx"], m["relicCornerDy"] = dx, dy
	// v4 could leave the relic behind after an expansion; re-seat it on its corner.
	m["relicX"], m["relicY"] = cx+dx*r, cy+dy*r
	m["gridSlot"] = slotForCenter(tu.Grid, cx, cy)
}

// slotForCenter recovers a grid slot from coordinates, or -1 if off-grid.
func slotForCenter(g tuning.GridConfig, cx, cy int) int {
	if g.Spacing <= 0 {
		return -1
	}
	dx, dy := cx-g.OriginX, cy-g.OriginY
	if dx < 0 || dy < 0 || dx%g.Spacing != 0 || dy%g.Spacing != 0 {
		return -1
	}
	col, row := dx/g.Spacing, dy/g.Spacing
	if col >= g.Columns || row >= g.Rows {
		return -1
	}
	return row*g.Columns + col
}
