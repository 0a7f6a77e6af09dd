package client

import (
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/txn"
	"refuge.voxelcraft.ai/internal/refuge/upgrade"
)

// Upgrade locks the inventory items needed to reach level of upgradeID and sends the
// request under a new transaction id, which it returns. When the inventory alone cannot
// cover the cost nothing is locked and the server plans by type, drawing on relic
// storage too.
func (c *Client) Upgrade(upgradeID string, level int) (string, error) {
	needs, ok := upgrade.NeedsFor(c.tune, upgradeID, level)
	if !ok {
		return "", ErrUnknownUpgrade
	}
	ids, ok := upgrade.SelectItems(c.inv, needs, c.txns.IsLocked)
	if !ok {
		ids = nil
	}
	tx, err := c.txns.Begin(protocol.CmdRequestFeatureUpgrade, ids)
	if err != nil {
		return "", err
	}
	c.upgrades[tx.ID] = upgradeID
	c.command(protocol.RequestFeatureUpgrade{
		UpgradeID:     upgradeID,
		TargetLevel:   level,
		TransactionID: tx.ID,
		LockedItemIDs: ids,
	})
	return tx.ID, nil
}

// PendingUpgrades returns how many upgrade requests still hold item locks.
func (c *Client) PendingUpgrades() int { return c.txns.Open() }

func (c *Client) onUpgradeComplete(v protocol.FeatureUpgradeComplete) {
	if err := c.txns.Commit(v.TransactionID); err != nil {
		c.logf("commit %s: %v", v.TransactionID, err)
	}
	delete(c.upgrades, v.TransactionID)
	c.upgraded[v.UpgradeID] = v.NewLevel
	c.mergeRecord(v.RefugeData)
	c.logf("upgrade %s reached level %d", v.UpgradeID, v.NewLevel)
}

func (c *Client) onRollback(tx *txn.Transaction) {
	id := c.upgrades[tx.ID]
	delete(c.upgrades, tx.ID)
	if tx.Reason == "timeout" {
		c.lastErr = &protocol.Error{MessageKey: protocol.ErrUpgradeFailed, TransactionID: tx.ID}
	}
	c.logf("upgrade %s rolled back: %s", id, tx.Reason)
}
