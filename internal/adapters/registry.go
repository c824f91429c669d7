package adapters

import (
	"relaypoint/internal/types"
)

// Registry builds the channel-to-adapter map the engine consumes. Channels
// without a registered adapter simply fail per-channel at delivery time.
type Registry struct {
	adapters map[types.ChannelType]types.ChannelAdapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.ChannelType]types.ChannelAdapter)}
}

// Register adds an adapter under its own channel type, replacing any
// previous registration.
func (r *Registry) Register(a types.ChannelAdapter) *Registry {
	r.adapters[a.Type()] = a
	return r
}

// Map returns the channel-to-adapter map.
func (r *Registry) Map() map[types.ChannelType]types.ChannelAdapter {
	return r.adapters
}
