// Package agent holds the per-operator availability state machine and the
// per-interaction channel state machine.
//
// # Overview
//
// An Agent is created at successful login and destroyed on logout or loss of
// the browser session. It tracks availability (released or idle) and owns
// zero or more Channels, each governing one media interaction from ring to
// wrapup. Channels are linked to their agent: stopping the agent kills them.
//
// # Channel states
//
//	prering -> ringing -> oncall -> wrapup
//	                        |
//	                        v
//	            warmtransfer_hold <-> warmtransfer_3rd_party -> wrapup
//	precall -> oncall (outbound)
//
// Every transition appends to the call's state-change log, updates the
// channel property registry, and broadcasts a channel_state_update. Inputs a
// state does not accept return ErrInvalidTransition and change nothing.
//
// # Endpoints
//
// A channel's endpoint is either the inband sentinel (ringing is delivered
// through the session event stream; no driver) or a spawned phone driver
// owned by the channel. Drivers come from factories registered per endpoint
// type (sip_registration, sip, iax2, h323, pstn). Driver exit during oncall
// pushes the channel into wrapup; in any state before that it terminates the
// channel.
//
// # Concurrency
//
// Each Channel runs a single goroutine with a typed inbox; public methods
// post a message and wait for the reply. The Agent itself is mutex-guarded
// because request handlers, channels, and the router all reach it directly.
//
// # Wrapup and CDRs
//
// Entering wrapup arms an auto-end timer when the call's client options ask
// for one. A channel that terminates from wrapup hands the final call record
// to the CDRSink (store-backed).
package agent
