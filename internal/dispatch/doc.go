// ABOUTME: Package documentation for the HTTP front door
// ABOUTME: Cookie handling, command parsing, public ops, and session forwards

// Package dispatch is the HTTP front door agents talk to.
//
// # Routing
//
// Every request is either a file or a command. GETs are first resolved
// against the agent web root with a contrib fallback (/dynamic/* has its own
// root and renders markdown); anything that is not a file is parsed into a
// {function, args} command, either from the POST /api envelope or from the
// legacy path form (/state/released, /ack/3, ...). Public commands run
// against the session table and store alone; everything else is forwarded to
// the session's connection worker.
//
// # Replies
//
// All commands answer HTTP 200 with one of three JSON shapes: {"success":
// true}, {"success":true,"result":...}, or {"success":false,"message":...,
// "errcode":...}. The transport codes 403 (no connection) and 408 (poll
// timeout or kill) are the only exceptions.
//
// # Cookies
//
// The cpx_id cookie keys the session table; any request without a usable one
// gets a fresh id in the same response. The cpx_lang cookie is negotiated
// per request from Accept-Language against the translations shipped with the
// agent UI.
package dispatch
