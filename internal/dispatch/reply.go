// ABOUTME: Wire reply envelope and the error-code taxonomy
// ABOUTME: Maps internal sentinel errors onto caller-visible errcodes

package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/cpx-gateway/internal/auth"
	"github.com/2389/cpx-gateway/internal/conn"
	"github.com/2389/cpx-gateway/internal/session"
)

// Error codes carried in failure replies. Clients switch on these, so the
// strings are wire format.
const (
	CodeNoFunction       = "NO_FUNCTION"
	CodeFunctionNoExists = "FUNCTION_NOEXISTS"
	CodeBadCookie        = "BAD_COOKIE"
	CodeNoAgent          = "NO_AGENT"
	CodeNoSalt           = "NO_SALT"
	CodeDecryptFailed    = "DECRYPT_FAILED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeUnknownError     = "UNKNOWN_ERROR"
)

// reply is the single envelope every command answers with. Success replies
// drop the empty fields, failures always carry message and errcode.
type reply struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
	Errcode string `json:"errcode,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeOK answers {"success":true}.
func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, reply{Success: true})
}

// writeResult answers {"success":true,"result":...}.
func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, reply{Success: true, Result: result})
}

// writeFailure answers the canonical failure shape. Protocol failures use
// status 200; only the transport-level 403 and 408 paths pass other codes.
func writeFailure(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, reply{Message: message, Errcode: errcode})
}

// failureFor translates an internal error into a wire errcode and a message
// safe to show the caller. Anything unrecognized collapses to UNKNOWN_ERROR
// with a generic message; the caller logs the original.
func failureFor(err error) (errcode, message string) {
	var verr *conn.VerbError
	switch {
	case errors.As(err, &verr):
		return CodeUnknownError, verr.Error()
	case errors.Is(err, conn.ErrUnknownFunction):
		return CodeFunctionNoExists, "no such function"
	case errors.Is(err, conn.ErrNotPermitted):
		return CodeUnknownError, err.Error()
	case errors.Is(err, auth.ErrDecryptFailed):
		return CodeDecryptFailed, "could not decrypt credentials"
	case errors.Is(err, auth.ErrSaltMismatch):
		return CodeNoSalt, "credentials do not match the issued salt"
	case errors.Is(err, session.ErrUnknownSession):
		return CodeBadCookie, "unknown session"
	default:
		return CodeUnknownError, "internal error"
	}
}

// loggable reports whether the error carries no caller-safe explanation and
// should be written to the server log instead.
func loggable(err error) bool {
	var verr *conn.VerbError
	if errors.As(err, &verr) {
		return false
	}
	switch {
	case errors.Is(err, conn.ErrUnknownFunction),
		errors.Is(err, conn.ErrNotPermitted),
		errors.Is(err, auth.ErrDecryptFailed),
		errors.Is(err, auth.ErrSaltMismatch),
		errors.Is(err, session.ErrUnknownSession):
		return false
	}
	return true
}
