package xmv

import (
	"sort"
	"sync"
	"time"
)

// attrMask records which attributes of a channel have been confirmed.
type attrMask uint8

const (
	knownPower attrMask = 1 << iota
	knownVolume
	knownMute
)

type cacheEntry struct {
	state ChannelState
	known attrMask
}

// StateCache is the in-memory mirror of confirmed channel state.
//
// Channels not present in the configuration are cached as well; filtering
// for subscribers happens in the Notifier.
//
// Thread Safety: all methods are safe for concurrent use.
type StateCache struct {
	mu      sync.RWMutex
	entries map[int]*cacheEntry
	now     func() time.Time
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{
		entries: make(map[int]*cacheEntry),
		now:     time.Now,
	}
}

// Apply merges a notification and returns the attributes that changed.
//
// Applying the same notification twice returns nil the second time.
// An attribute reported for the first time always counts as changed.
func (c *StateCache) Apply(n StateNotify) []Attribute {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[n.Channel]
	if !ok {
		entry = &cacheEntry{state: ChannelState{ChannelID: n.Channel}}
		c.entries[n.Channel] = entry
	}

	var changed []Attribute

	if n.Power != nil && (entry.known&knownPower == 0 || entry.state.Power != *n.Power) {
		entry.state.Power = *n.Power
		entry.known |= knownPower
		changed = append(changed, AttrPower)
	}
	if n.VolumeDB != nil && (entry.known&knownVolume == 0 || entry.state.VolumeDB != *n.VolumeDB) {
		entry.state.VolumeDB = *n.VolumeDB
		entry.known |= knownVolume
		changed = append(changed, AttrVolume)
	}
	if n.Muted != nil && (entry.known&knownMute == 0 || entry.state.Muted != *n.Muted) {
		entry.state.Muted = *n.Muted
		entry.known |= knownMute
		changed = append(changed, AttrMute)
	}

	if len(changed) > 0 {
		entry.state.LastUpdated = c.now()
	}
	return changed
}

// Get returns the cached state of a channel.
func (c *StateCache) Get(channelID int) (ChannelState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[channelID]
	if !ok {
		return ChannelState{}, false
	}
	return entry.state, true
}

// VolumeKnown reports whether a level has been confirmed for the channel.
func (c *StateCache) VolumeKnown(channelID int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[channelID]
	return ok && entry.known&knownVolume != 0
}

// All returns every cached channel ordered by channel ID.
func (c *StateCache) All() []ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	states := make([]ChannelState, 0, len(c.entries))
	for _, entry := range c.entries {
		states = append(states, entry.state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ChannelID < states[j].ChannelID
	})
	return states
}
