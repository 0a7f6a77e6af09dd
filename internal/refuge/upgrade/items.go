package upgrade

import (
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/tuning"
)

// Need is one scaled requirement.
type Need struct {
	Type        string
	Count       int
	Substitutes []string
}

func scaledNeeds(t tuning.Tuning, reqs []tuning.Requirement) []Need {
	out := make([]Need, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, Need{Type: r.Type, Count: t.ScaledCount(r.Count), Substitutes: r.Substitutes})
	}
	return out
}

// Count totals the primary type and then each substitute across every source.
func Count(sources []*host.Container, n Need) int {
	have := 0
	for _, typ := range append([]string{n.Type}, n.Substitutes...) {
		for _, src := range sources {
			have += src.CountType(typ)
		}
	}
	return have
}

// CheckNeeds returns the first unmet requirement as a reason key plus args.
func CheckNeeds(sources []*host.Container, needs []Need) (string, []any) {
	for _, n := range needs {
		if have := Count(sources, n); have < n.Count {
			return protocol.ErrUpgradeInsufficientItems, []any{n.Type, have, n.Count}
		}
	}
	return "", nil
}

type planned struct {
	item *host.Item
	root *host.Container
}

type plan []planned

// planByType takes the primary type first, then substitutes in listed order, walking
// sources in order.
func planByType(sources []*host.Container, needs []Need) (plan, string, []any) {
	taken := map[string]bool{}
	var p plan
	for _, n := range needs {
		left := n.Count
		for _, typ := range append([]string{n.Type}, n.Substitutes...) {
			for _, src := range sources {
				if left == 0 {
					break
				}
				src.Walk(func(it *host.Item, _ *host.Container) bool {
					if it.Type == typ && !taken[it.ID] {
						taken[it.ID] = true
						p = append(p, planned{item: it, root: src})
						left--
					}
					return left > 0
				})
			}
		}
		if left > 0 {
			return nil, protocol.ErrUpgradeInsufficientItems, []any{n.Type, n.Count - left, n.Count}
		}
	}
	return p, "", nil
}

// planByIDs resolves the client's locked item ids against the sources and covers each
// requirement from them only. Locked items that no requirement needs are left alone.
func planByIDs(sources []*host.Container, ids []string, needs []Need) (plan, string, []any) {
	var locked []planned
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		var found *planned
		for _, src := range sources {
			if it, _ := src.Find(id); it != nil {
				found = &planned{item: it, root: src}
				break
			}
		}
		if found == nil {
			return nil, protocol.ErrUpgradeItemMissing, []any{id}
		}
		locked = append(locked, *found)
	}
	used := make([]bool, len(locked))
	var p plan
	for _, n := range needs {
		left := n.Count
		for _, typ := range append([]string{n.Type}, n.Substitutes...) {
			for i, l := range locked {
				if left == 0 {
					break
				}
				if !used[i] && l.item.Type == typ {
					used[i] = true
					p = append(p, l)
					left--
				}
			}
		}
		if left > 0 {
			return nil, protocol.ErrUpgradeInsufficientItems, []any{n.Type, n.Count - left, n.Count}
		}
	}
	return p, "", nil
}

type removal struct {
	item   *host.Item
	parent *host.Container
	index  int
}

// consume removes every planned item or none of them. On failure the items already
// removed are put back at their original positions.
func consume(p plan) ([]removal, string, []any) {
	done := make([]removal, 0, len(p))
	for _, pl := range p {
		it, parent := pl.root.Find(pl.item.ID)
		if it == nil || it != pl.item {
			restore(done)
			return nil, protocol.ErrUpgradeItemMissing, []any{pl.item.ID}
		}
		idx := -1
		for i, x := range parent.Items {
			if x == it {
				idx = i
				break
			}
		}
		if idx < 0 || !pl.root.Remove(it.ID) {
			restore(done)
			return nil, protocol.ErrUpgradeItemMissing, []any{pl.item.ID}
		}
		done = append(done, removal{item: it, parent: parent, index: idx})
	}
	return done, "", nil
}

func restore(done []removal) {
	for i := len(done) - 1; i >= 0; i-- {
		r := done[i]
		items := r.parent.Items
		if r.index >= len(items) {
			r.parent.Items = append(items, r.item)
			continue
		}
		items = append(items, nil)
		copy(items[r.index+1:], items[r.index:])
		items[r.index] = r.item
		r.parent.Items = items
	}
}

// NeedsFor returns the scaled requirements for reaching level of upgradeID.
func NeedsFor(t tuning.Tuning, upgradeID string, level int) ([]Need, bool) {
	def, ok := t.Upgrade(upgradeID)
	if !ok {
		return nil, false
	}
	reqs, ok := t.Requirements(def, level)
	if !ok {
		return nil, false
	}
	return scaledNeeds(t, reqs), true
}

// SelectItems picks item ids from inv covering needs, primary type first, skipping ids
// for which skip reports true. ok is false when inv alone cannot cover every need.
func SelectItems(inv *host.Container, needs []Need, skip func(id string) bool) (ids []string, ok bool) {
	taken := map[string]bool{}
	for _, n := range needs {
		left := n.Count
		for _, typ := range append([]string{n.Type}, n.Substitutes...) {
			if left == 0 {
				break
			}
			inv.Walk(func(it *host.Item, _ *host.Container) bool {
				if it.Type == typ && !taken[it.ID] && (skip == nil || !skip(it.ID)) {
					taken[it.ID] = true
					ids = append(ids, it.ID)
					left--
				}
				return left > 0
			})
		}
		if left > 0 {
			return nil, false
		}
	}
	return ids, true
}
