// ABOUTME: Package documentation for the session table
// ABOUTME: Cookie-keyed triples binding salts and live connection workers

// Package session tracks browser sessions for the gateway.
//
// A session is the triple (session_id, salt?, connection?). The id is an
// opaque 128-bit token handed to the browser as the cpx_id cookie. The salt
// is bound by the get_salt step and must be present for login; re-requesting
// a salt invalidates the previous one. The connection is the live worker
// bound at login; a session without one means "cookie known, not logged in".
//
// The table watches every bound worker and removes the whole triple the
// moment the worker dies, so a dead connection can never be looked up.
// Unbound sessions are reaped in the background once they outlive the
// configured TTL.
package session
