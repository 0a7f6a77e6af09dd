package protocol

// Message keys sent to clients. Clients translate them; MessageArgs fill placeholders.
const (
	// Dispatch layer.
	ErrBadRequest  = "Refuge.Error.BadRequest"
	ErrRateLimited = "Refuge.Error.RateLimited"
	ErrInternal    = "Refuge.Error.Internal"
	ErrNoAuthority = "Refuge.Error.NoAuthority"

	// Entry / exit.
	ErrCooldown         = "Refuge.Error.Cooldown" // args: seconds remaining
	ErrBusy             = "Refuge.Error.Busy"
	ErrDead             = "Refuge.Error.Dead"
	ErrInVehicle        = "Refuge.Error.InVehicle"
	ErrFalling          = "Refuge.Error.Falling"
	ErrClimbing         = "Refuge.Error.Climbing"
	ErrOverloaded       = "Refuge.Error.Overloaded"
	ErrAlreadyInside    = "Refuge.Error.AlreadyInside"
	ErrNoRefuge         = "Refuge.Error.NoRefuge"
	ErrGridFull         = "Refuge.Error.GridFull"
	ErrChunksTimeout    = "Refuge.Error.ChunksTimeout"
	ErrNoReturnPosition = "Refuge.Error.NoReturnPosition"
	ErrEnterInProgress  = "Refuge.Error.EnterInProgress"

	// Relic.
	ErrInvalidCorner     = "Refuge.Error.InvalidCorner"
	ErrRelicCooldown     = "Refuge.Error.RelicCooldown" // args: seconds remaining
	ErrRelicNotFound     = "Refuge.Error.RelicNotFound"
	ErrRelicBlocked      = "Refuge.Error.RelicBlocked"
	ErrRelicAlreadyThere = "Refuge.Error.RelicAlreadyThere"
	ErrChunkNotLoaded    = "Refuge.Error.ChunkNotLoaded"

	// Upgrades.
	ErrUpgradeUnknown           = "Refuge.Upgrade.Unknown"
	ErrUpgradeMaxed             = "Refuge.Upgrade.Maxed"
	ErrUpgradeLevelSequence     = "Refuge.Upgrade.LevelSequence" // args: expected level
	ErrUpgradeAlreadyProcessing = "Refuge.Upgrade.AlreadyProcessing"
	ErrUpgradeRecentlyCompleted = "Refuge.Upgrade.RecentlyCompleted"
	ErrUpgradeInsufficientItems = "Refuge.Upgrade.InsufficientItems" // args: item type, have, need
	ErrUpgradeItemMissing       = "Refuge.Upgrade.ItemMissing"       // args: item id
	ErrUpgradeChunksNotLoaded   = "Refuge.Upgrade.ChunksNotLoaded"
	ErrUpgradeFailed            = "Refuge.Upgrade.Failed"
)

var knownKeys = map[string]struct{}{
	ErrBadRequest:               {},
	ErrRateLimited:              {},
	ErrInternal:                 {},
	ErrNoAuthority:              {},
	ErrCooldown:                 {},
	ErrBusy:                     {},
	ErrDead:                     {},
	ErrInVehicle:                {},
	ErrFalling:                  {},
	ErrClimbing:                 {},
	ErrOverloaded:               {},
	ErrAlreadyInside:            {},
	ErrNoRefuge:                 {},
	ErrGridFull:                 {},
	ErrChunksTimeout:            {},
	ErrNoReturnPosition:         {},
	ErrEnterInProgress:          {},
	ErrInvalidCorner:            {},
	ErrRelicCooldown:            {},
	ErrRelicNotFound:            {},
	ErrRelicBlocked:             {},
	ErrRelicAlreadyThere:        {},
	ErrChunkNotLoaded:           {},
	ErrUpgradeUnknown:           {},
	ErrUpgradeMaxed:             {},
	ErrUpgradeLevelSequence:     {},
	ErrUpgradeAlreadyProcessing: {},
	ErrUpgradeRecentlyCompleted: {},
	ErrUpgradeInsufficientItems: {},
	ErrUpgradeItemMissing:       {},
	ErrUpgradeChunksNotLoaded:   {},
	ErrUpgradeFailed:            {},
}

func IsKnownKey(key string) bool {
	if key == "" {
		return true
	}
	_, ok := knownKeys[key]
	return ok
}
