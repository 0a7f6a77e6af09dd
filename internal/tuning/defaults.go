package tuning

import (
	"errors"
	"fmt"
)

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:  "1.0",
		TickRateHz:       20,
		Difficulty:       3,
		BackupEveryTicks: 20 * 60 * 5,
		World: WorldConfig{
			ChunkSize:      10,
			LoadDelayTicks: 4,
			ViewChunks:     2,
		},
		Grid: GridConfig{
			OriginX: 1000,
			OriginY: 1000,
			Z:       0,
			Spacing: 50,
			Columns: 10,
			Rows:    10,
		},
		Tiers: []TierDef{
			{Tier: 0, Radius: 1},
			{Tier: 1, Radius: 2, Cost: []Requirement{
				{Type: "Base.Plank", Count: 10},
				{Type: "Base.Nails", Count: 20, Substitutes: []string{"Base.Screws"}},
			}},
			{Tier: 2, Radius: 3, Cost: []Requirement{
				{Type: "Base.Plank", Count: 20},
				{Type: "Base.Nails", Count: 40, Substitutes: []string{"Base.Screws"}},
			}},
			{Tier: 3, Radius: 4, Cost: []Requirement{
				{Type: "Base.Plank", Count: 30},
				{Type: "Base.SheetMetal", Count: 4, Substitutes: []string{"Base.SmallSheetMetal"}},
			}},
			{Tier: 4, Radius: 5, Cost: []Requirement{
				{Type: "Base.SheetMetal", Count: 8, Substitutes: []string{"Base.SmallSheetMetal"}},
				{Type: "Base.Screws", Count: 40, Substitutes: []string{"Base.Nails"}},
			}},
			{Tier: 5, Radius: 7, Cost: []Requirement{
				{Type: "Base.SheetMetal", Count: 16, Substitutes: []string{"Base.SmallSheetMetal"}},
				{Type: "Base.Generator", Count: 1},
			}},
		},
		Upgrades: []UpgradeDef{
			{ID: "expand_refuge", Kind: KindExpandRefuge},
			{ID: "storage_capacity", Kind: KindLevel, MaxLevel: 3, Levels: []UpgradeLevel{
				{Level: 1, Requirements: []Requirement{{Type: "Base.Plank", Count: 5}}},
				{Level: 2, Requirements: []Requirement{{Type: "Base.Plank", Count: 10}, {Type: "Base.Nails", Count: 10, Substitutes: []string{"Base.Screws"}}}},
				{Level: 3, Requirements: []Requirement{{Type: "Base.SheetMetal", Count: 2}}},
			}},
			{ID: "lighting", Kind: KindLevel, MaxLevel: 1, Levels: []UpgradeLevel{
				{Level: 1, Requirements: []Requirement{{Type: "Base.LightBulb", Count: 2}, {Type: "Base.ElectronicsScrap", Count: 5}}},
			}},
		},
		Cooldowns: Cooldowns{
			TeleportSeconds:  60,
			RelicMoveSeconds: 30,
		},
		Encumbrance: Encumbrance{
			PenaltySecondsPerUnit: 2,
			MaxPenaltySeconds:     60,
		},
		Entry: Entry{OverloadRatio: 1.5},
		Timing: Timing{
			ServerChunkPollSeconds:    5,
			ClientChunkPollSeconds:    10,
			RecalcDelayTicks:          10,
			TransactionTimeoutSeconds: 10,
			PendingLockSeconds:        10,
			CompletionCooldownSeconds: 1,
		},
		Sweep: Sweep{
			Buffer: 3,
			DeadZone: Zone{
				MinX: 950, MinY: 950,
				MaxX: 1500, MaxY: 1500,
			},
		},
		Sprites: Sprites{
			WallNorth: "walls_exterior_house_01_1",
			WallWest:  "walls_exterior_house_01_0",
			CornerNW:  "walls_exterior_house_01_2",
			CornerSE:  "walls_exterior_house_01_3",
			Relic:     "sacred_core_0",
		},
		RateLimits: RateLimits{CommandIntervalMs: 500},
		Starter: map[string]int{
			"Base.Plank": 12,
			"Base.Nails": 10,
		},
		Multipliers: map[string][]float64{
			"cooldown": {0.5, 0.75, 1, 1.5, 2},
			"cost":     {0.5, 0.75, 1, 1.5, 2},
		},
	}
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return errors.New("tick_rate_hz must be positive")
	}
	if len(t.Tiers) == 0 {
		return errors.New("tiers: empty")
	}
	for i, td := range t.Tiers {
		if td.Tier != i {
			return fmt.Errorf("tiers[%d]: tier=%d, tiers must be listed in order from 0", i, td.Tier)
		}
		if td.Radius <= 0 {
			return fmt.Errorf("tiers[%d]: radius must be positive", i)
		}
		if i > 0 && td.Radius <= t.Tiers[i-1].Radius {
			return fmt.Errorf("tiers[%d]: radius %d must exceed previous %d", i, td.Radius, t.Tiers[i-1].Radius)
		}
		if err := validateRequirements(td.Cost); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
	}
	if t.Grid.Columns <= 0 || t.Grid.Rows <= 0 {
		return errors.New("grid: columns and rows must be positive")
	}
	// Walls sit one tile outside the radius; neighbouring refuges must never touch.
	maxR := t.Tiers[len(t.Tiers)-1].Radius
	if t.Grid.Spacing <= 2*(maxR+1)+t.Sweep.Buffer {
		return fmt.Errorf("grid: spacing %d too small for max radius %d", t.Grid.Spacing, maxR)
	}
	seen := map[string]bool{}
	for _, u := range t.Upgrades {
		if u.ID == "" {
			return errors.New("upgrades: empty id")
		}
		if seen[u.ID] {
			return fmt.Errorf("upgrades: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
		switch u.Kind {
		case KindExpandRefuge:
		case KindLevel:
			if u.MaxLevel <= 0 {
				return fmt.Errorf("upgrades[%s]: max_level must be positive", u.ID)
			}
			for lvl := 1; lvl <= u.MaxLevel; lvl++ {
				reqs, ok := t.Requirements(u, lvl)
				if !ok {
					return fmt.Errorf("upgrades[%s]: missing level %d", u.ID, lvl)
				}
				if err := validateRequirements(reqs); err != nil {
					return fmt.Errorf("upgrades[%s] level %d: %w", u.ID, lvl, err)
				}
			}
		default:
			return fmt.Errorf("upgrades[%s]: unknown kind %q", u.ID, u.Kind)
		}
	}
	return nil
}

func validateRequirements(reqs []Requirement) error {
	for _, r := range reqs {
		if r.Type == "" || r.Count <= 0 {
			return fmt.Errorf("bad requirement %+v", r)
		}
	}
	return nil
}
