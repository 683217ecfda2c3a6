// ABOUTME: Parses HTTP requests into {function, args} commands
// ABOUTME: Covers the POST /api envelope and the legacy path-segment forms

package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// errNoFunction means the request named no function the dispatcher could run.
var errNoFunction = errors.New("no function requested")

// command is one parsed API call.
type command struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// parseAPICommand extracts the command from a POST /api request: the form
// field "request" holding a JSON envelope (what the agent UI posts), or a
// bare JSON body for clients that skip the form layer.
func parseAPICommand(r *http.Request) (command, error) {
	var cmd command

	raw := r.FormValue("request")
	if raw == "" {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || len(body) == 0 {
			return cmd, errNoFunction
		}
		raw = string(body)
	}

	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return cmd, errNoFunction
	}
	if cmd.Function == "" {
		return cmd, errNoFunction
	}
	return cmd, nil
}

// legacyAliases maps the historical path names onto the canonical functions.
var legacyAliases = map[string]string{
	"getsalt":     "get_salt",
	"checkcookie": "check_cookie",
	"brandlist":   "get_brand_list",
	"queuelist":   "get_queue_list",
	"releaseopts": "get_release_opts",
	"state":       "set_state",
}

// legacyCommand parses a path-form call: the first segment names the
// function, the rest become its arguments (/state/released/lunch, /ack/3).
// Unknown names pass through untouched so the connection worker's allowlist
// is the one place that rejects them.
func legacyCommand(urlPath string, r *http.Request) (command, bool) {
	trimmed := strings.Trim(urlPath, "/")
	if trimmed == "" {
		return command{}, false
	}
	segs := strings.Split(trimmed, "/")

	fn := segs[0]
	if alias, ok := legacyAliases[fn]; ok {
		fn = alias
	}

	args := make([]any, 0, len(segs)-1)
	for _, s := range segs[1:] {
		args = append(args, s)
	}

	switch fn {
	case "login":
		// Credentials ride form fields on the legacy login path.
		opts := map[string]any{}
		for _, key := range []string{"voipendpoint", "voipendpointdata", "useoutbandring"} {
			if v := r.FormValue(key); v != "" {
				opts[key] = v
			}
		}
		args = []any{r.FormValue("username"), r.FormValue("password"), opts}
	case "mediapush":
		if len(args) == 0 {
			if v := r.FormValue("data"); v != "" {
				args = []any{v}
			}
		}
	}

	return command{Function: fn, Args: args}, true
}
