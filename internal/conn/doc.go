// Package conn runs one Worker per logged-in agent session.
//
// # Overview
//
// The Worker is the session's façade over the agent FSM: it owns the poll
// queue the browser long-polls, forwards API verbs to the agent and its
// channels, and self-terminates when the session goes idle.
//
// # Poll contract
//
// At most one poller waits at a time; a newer poll supersedes the older one,
// which returns an empty flush. The bounded wait comes from the caller's
// context. A killed worker fails pending and future polls with ErrKilled.
//
// # Event queue
//
// Lifecycle events arrive through the agent.Notifier methods and are
// serialized as JSON objects with a "command" key (astate, setchannel,
// endchannel, blab, mediaevent) and a monotonically increasing "counter".
// Clients acknowledge delivery per counter via the ack verb; err reports a
// client-side failure and is logged.
//
// # Verbs
//
// API dispatches through an explicit allowlist; unknown names return
// ErrUnknownFunction, which the dispatcher turns into FUNCTION_NOEXISTS.
package conn
