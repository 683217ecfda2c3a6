// ABOUTME: Node-local channel property registry
// ABOUTME: Tracks the latest property record for every live channel worker

package event

import (
	"sort"
	"sync"
)

// PropRegistry holds the current property record for every live channel on
// this node. Channel workers update their own record on each transition and
// remove it on exit; readers get copies.
type PropRegistry struct {
	mu    sync.RWMutex
	props map[string]ChannelProp // channel ID -> latest property
}

// NewPropRegistry creates an empty registry.
func NewPropRegistry() *PropRegistry {
	return &PropRegistry{
		props: make(map[string]ChannelProp),
	}
}

// Set stores or replaces the property record for prop.ChannelID.
func (r *PropRegistry) Set(prop ChannelProp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[prop.ChannelID] = prop
}

// Remove deletes the record for the given channel ID.
func (r *PropRegistry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.props, channelID)
}

// Get returns the record for the given channel ID.
func (r *PropRegistry) Get(channelID string) (ChannelProp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prop, ok := r.props[channelID]
	return prop, ok
}

// List returns all records sorted by channel ID.
func (r *PropRegistry) List() []ChannelProp {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChannelProp, 0, len(r.props))
	for _, prop := range r.props {
		out = append(out, prop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// ByAgent returns all records for channels owned by the given login,
// sorted by channel ID.
func (r *PropRegistry) ByAgent(login string) []ChannelProp {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChannelProp, 0, 2)
	for _, prop := range r.props {
		if prop.Login == login {
			out = append(out, prop)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Len returns the number of live channel records.
func (r *PropRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.props)
}
