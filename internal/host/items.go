package host

// Item is an inventory item. Bags carry their own Contents container.
type Item struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Contents *Container `json:"contents,omitempty"`
}

// Container is an ordered list of items. Nested containers are searched recursively.
type Container struct {
	ID    string  `json:"id"`
	Items []*Item `json:"items"`
}

func NewContainer(id string) *Container { return &Container{ID: id} }

func (c *Container) Add(it *Item) {
	if c == nil || it == nil {
		return
	}
	c.Items = append(c.Items, it)
}

// Find locates an item by id anywhere below c and returns it with its direct parent.
func (c *Container) Find(id string) (*Item, *Container) {
	if c == nil || id == "" {
		return nil, nil
	}
	for _, it := range c.Items {
		if it.ID == id {
			return it, c
		}
		if it.Contents != nil {
			if found, parent := it.Contents.Find(id); found != nil {
				return found, parent
			}
		}
	}
	return nil, nil
}

// Remove detaches the item with id from its direct parent. It reports whether it was present.
func (c *Container) Remove(id string) bool {
	_, parent := c.Find(id)
	if parent == nil {
		return false
	}
	for i, it := range parent.Items {
		if it.ID == id {
			parent.Items = append(parent.Items[:i], parent.Items[i+1:]...)
			return true
		}
	}
	return false
}

// CountType counts items of type t below c.
func (c *Container) CountType(t string) int {
	if c == nil {
		return 0
	}
	n := 0
	c.Walk(func(it *Item, _ *Container) bool {
		if it.Type == t {
			n++
		}
		return true
	})
	return n
}

// Walk visits every item depth-first; returning false stops the walk.
func (c *Container) Walk(fn func(it *Item, parent *Container) bool) bool {
	if c == nil {
		return true
	}
	for _, it := range c.Items {
		if !fn(it, c) {
			return false
		}
		if it.Contents != nil {
			if !it.Contents.Walk(fn) {
				return false
			}
		}
	}
	return true
}

// Flatten returns all items below c in walk order.
func (c *Container) Flatten() []*Item {
	var out []*Item
	c.Walk(func(it *Item, _ *Container) bool {
		out = append(out, it)
		return true
	})
	return out
}
