package seedsync

import "sync"

// EngineSetting is one `set key value` line replayed into the transfer
// engine after every forced restart (spec §4.2, §4.4). The controller never
// canonicalises or interprets values; they are opaque strings handed
// straight to the engine's "set" command.
type EngineSetting struct {
	Key   string
	Value string
}

// settingsCache holds the engine settings the controller owns, in the
// order they were first set. get() is authoritative from this cache
// alone — it never re-queries the live engine process for a value, unlike
// the upstream lftp controller's "set -a | grep" round-trip. That keeps a
// get() call cheap and available even while the engine is mid-restart, at
// the cost of the cache silently drifting from engine-computed defaults
// the controller never explicitly set. See DESIGN.md.
type settingsCache struct {
	mu     sync.Mutex
	order  []string
	values map[string]string
}

func newSettingsCache() *settingsCache {
	return &settingsCache{values: make(map[string]string)}
}

// set stores key=value, appending key to the replay order only the first
// time it is set; subsequent sets for the same key update the value in
// place without moving its position.
func (c *settingsCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.values[key]; !ok {
		c.order = append(c.order, key)
	}
	c.values[key] = value
}

// get returns the cached value for key and whether it has ever been set.
func (c *settingsCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.values[key]
	return v, ok
}

// all returns every cached setting in insertion order, suitable for
// replaying into a freshly (re)started engine.
func (c *settingsCache) all() []EngineSetting {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EngineSetting, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, EngineSetting{Key: k, Value: c.values[k]})
	}
	return out
}
