// Package event provides the in-memory event manager for channel and agent
// lifecycle notifications.
//
// # Overview
//
// Channel workers report every state transition here. The manager keeps the
// node-local channel property registry (one property record per live
// channel) and fans events out to subscribers: connection workers feeding
// supervisor displays, the call router watching for idle agents, and the
// ops API.
//
// # Events
//
//   - initiated_channel: a channel worker started ringing an agent
//   - channel_state_update: a channel moved between states
//   - terminated_channel: a channel worker exited
//   - agent_state: an agent changed availability (idle/released)
//   - blab: a supervisor message addressed to an agent
//
// # Subscription
//
// Subscribers register for a topic and receive events on a buffered channel:
//
//	ch, subID := mgr.Subscribe(ctx, event.TopicChannels)
//
// Delivery is non-blocking; events are dropped for subscribers whose buffers
// are full. Subscriptions are removed when ctx is cancelled.
package event
