package tuning

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	KindExpandRefuge = "expand_refuge"
	KindLevel        = "level"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz       int `yaml:"tick_rate_hz"`
	Difficulty       int `yaml:"difficulty"`
	BackupEveryTicks int `yaml:"backup_every_ticks"`

	World       WorldConfig    `yaml:"world"`
	Grid        GridConfig     `yaml:"grid"`
	Tiers       []TierDef      `yaml:"tiers"`
	Upgrades    []UpgradeDef   `yaml:"upgrades"`
	Cooldowns   Cooldowns      `yaml:"cooldowns"`
	Encumbrance Encumbrance    `yaml:"encumbrance"`
	Entry       Entry          `yaml:"entry"`
	Timing      Timing         `yaml:"timing"`
	Sweep       Sweep          `yaml:"sweep"`
	Sprites     Sprites        `yaml:"sprites"`
	RateLimits  RateLimits     `yaml:"rate_limits"`
	Starter     map[string]int `yaml:"starter_items"`

	// Multipliers maps a category ("cooldown", "cost") to per-difficulty factors,
	// indexed by difficulty level starting at 1.
	Multipliers map[string][]float64 `yaml:"difficulty_multipliers"`
}

type WorldConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	LoadDelayTicks int `yaml:"load_delay_ticks"`
	ViewChunks     int `yaml:"view_chunks"`
}

// GridConfig places refuges on a Columns x Rows lattice starting at Origin.
type GridConfig struct {
	OriginX int `yaml:"origin_x"`
	OriginY int `yaml:"origin_y"`
	Z       int `yaml:"z"`
	Spacing int `yaml:"spacing"`
	Columns int `yaml:"columns"`
	Rows    int `yaml:"rows"`
}

type Requirement struct {
	Type        string   `yaml:"type" json:"type"`
	Count       int      `yaml:"count" json:"count"`
	Substitutes []string `yaml:"substitutes,omitempty" json:"substitutes,omitempty"`
}

type TierDef struct {
	Tier   int           `yaml:"tier"`
	Radius int           `yaml:"radius"`
	Cost   []Requirement `yaml:"cost"`
}

type UpgradeLevel struct {
	Level        int           `yaml:"level"`
	Requirements []Requirement `yaml:"requirements"`
}

type UpgradeDef struct {
	ID       string         `yaml:"id"`
	Kind     string         `yaml:"kind"`
	MaxLevel int            `yaml:"max_level"`
	Levels   []UpgradeLevel `yaml:"levels"`
}

type Cooldowns struct {
	TeleportSeconds  float64 `yaml:"teleport_seconds"`
	RelicMoveSeconds float64 `yaml:"relic_move_seconds"`
}

type Encumbrance struct {
	PenaltySecondsPerUnit float64 `yaml:"penalty_seconds_per_unit"`
	MaxPenaltySeconds     float64 `yaml:"max_penalty_seconds"`
}

type Entry struct {
	OverloadRatio float64 `yaml:"overload_ratio"`
}

type Timing struct {
	ServerChunkPollSeconds    float64 `yaml:"server_chunk_poll_seconds"`
	ClientChunkPollSeconds    float64 `yaml:"client_chunk_poll_seconds"`
	RecalcDelayTicks          int     `yaml:"recalc_delay_ticks"`
	TransactionTimeoutSeconds float64 `yaml:"transaction_timeout_seconds"`
	PendingLockSeconds        float64 `yaml:"pending_lock_seconds"`
	CompletionCooldownSeconds float64 `yaml:"completion_cooldown_seconds"`
}

type Zone struct {
	MinX int `yaml:"min_x"`
	MinY int `yaml:"min_y"`
	MaxX int `yaml:"max_x"`
	MaxY int `yaml:"max_y"`
}

func (z Zone) Empty() bool { return z.MaxX < z.MinX || z.MaxY < z.MinY || z == (Zone{}) }

func (z Zone) Contains(x, y int) bool {
	return !z.Empty() && x >= z.MinX && x <= z.MaxX && y >= z.MinY && y <= z.MaxY
}

type Sweep struct {
	Buffer   int  `yaml:"buffer"`
	DeadZone Zone `yaml:"dead_zone"`
}

type Sprites struct {
	WallNorth string `yaml:"wall_north"`
	WallWest  string `yaml:"wall_west"`
	CornerNW  string `yaml:"corner_nw"`
	CornerSE  string `yaml:"corner_se"`
	Relic     string `yaml:"relic"`
}

type RateLimits struct {
	CommandIntervalMs int `yaml:"command_interval_ms"`
}

// Load reads path over Defaults(); keys absent from the file keep their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) MaxTier() int { return len(t.Tiers) - 1 }

func (t Tuning) Tier(n int) (TierDef, bool) {
	if n < 0 || n >= len(t.Tiers) {
		return TierDef{}, false
	}
	return t.Tiers[n], true
}

// RadiusFor returns the radius of tier n, clamping n into the table.
func (t Tuning) RadiusFor(n int) int {
	if len(t.Tiers) == 0 {
		return 1
	}
	if n < 0 {
		n = 0
	}
	if n > t.MaxTier() {
		n = t.MaxTier()
	}
	return t.Tiers[n].Radius
}

func (t Tuning) Upgrade(id string) (UpgradeDef, bool) {
	for _, u := range t.Upgrades {
		if u.ID == id {
			return u, true
		}
	}
	return UpgradeDef{}, false
}

// Requirements returns what reaching level costs for upgrade u, before difficulty scaling.
func (t Tuning) Requirements(u UpgradeDef, level int) ([]Requirement, bool) {
	if u.Kind == KindExpandRefuge {
		td, ok := t.Tier(level)
		return td.Cost, ok
	}
	for _, l := range u.Levels {
		if l.Level == level {
			return l.Requirements, true
		}
	}
	return nil, false
}

func (t Tuning) MaxLevel(u UpgradeDef) int {
	if u.Kind == KindExpandRefuge {
		return t.MaxTier()
	}
	return u.MaxLevel
}

// Scale applies the difficulty multiplier for category to base. Unknown categories and
// non-positive levels leave base untouched; levels past the table use its last entry.
func Scale(multipliers map[string][]float64, category string, base float64, level int) float64 {
	m := multipliers[category]
	if len(m) == 0 || level <= 0 {
		return base
	}
	if level > len(m) {
		level = len(m)
	}
	return base * m[level-1]
}

func (t Tuning) Scale(category string, base float64) float64 {
	return Scale(t.Multipliers, category, base, t.Difficulty)
}

// ScaledCount scales an item count and rounds up, never below 1.
func (t Tuning) ScaledCount(n int) int {
	v := int(math.Ceil(t.Scale("cost", float64(n))))
	if v < 1 {
		v = 1
	}
	return v
}

// Ticks converts seconds to ticks at TickRateHz, rounding up.
func (t Tuning) Ticks(seconds float64) int {
	if seconds <= 0 || t.TickRateHz <= 0 {
		return 0
	}
	return int(math.Ceil(seconds * float64(t.TickRateHz)))
}
