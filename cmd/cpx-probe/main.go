// ABOUTME: Minimal smoke-test client: runs the salt/login handshake over HTTP, then polls and prints events.
// ABOUTME: Usage: cpx-probe [-addr localhost:5050] [-login alice] [-password secret]
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389/cpx-gateway/internal/auth"
)

func main() {
	addr := flag.String("addr", "localhost:5050", "gateway HTTP address")
	login := flag.String("login", "alice", "agent login")
	password := flag.String("password", "secret", "agent password")
	idle := flag.Bool("idle", true, "go idle after login so queued calls can ring")
	flag.Parse()

	if err := run(*addr, *login, *password, *idle); err != nil {
		log.Fatal(err)
	}
}

// envelope is the wire reply every command answers with.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
	Errcode string          `json:"errcode"`
}

// apiError is a failure envelope surfaced as a Go error.
type apiError struct {
	Status  int
	Errcode string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Errcode, e.Message)
}

type probe struct {
	base   string
	client *http.Client
}

// call posts one {function, args} envelope to /api. The cookie jar carries
// the session id between calls.
func (p *probe) call(ctx context.Context, function string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(map[string]any{"function": function, "args": args})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/api", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", function, err)
	}
	if !env.Success {
		return nil, &apiError{Status: resp.StatusCode, Errcode: env.Errcode, Message: env.Message}
	}
	return env.Result, nil
}

func run(addr, login, password string, goIdle bool) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	p := &probe{base: base, client: &http.Client{Jar: jar, Timeout: 60 * time.Second}}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Salt handshake
	raw, err := p.call(ctx, "get_salt")
	if err != nil {
		return fmt.Errorf("get_salt: %w", err)
	}
	var saltReply struct {
		Salt   string `json:"salt"`
		PubKey struct {
			E string `json:"E"`
			N string `json:"N"`
		} `json:"pubkey"`
	}
	if err := json.Unmarshal(raw, &saltReply); err != nil {
		return fmt.Errorf("decoding salt reply: %w", err)
	}

	pub, err := parsePubKey(saltReply.PubKey.E, saltReply.PubKey.N)
	if err != nil {
		return err
	}
	cipher, err := auth.EncryptSalted(pub, saltReply.Salt, password)
	if err != nil {
		return err
	}

	// Login
	raw, err = p.call(ctx, "login", login, cipher, map[string]any{})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	var loginReply struct {
		Profile string `json:"profile"`
	}
	if err := json.Unmarshal(raw, &loginReply); err != nil {
		return fmt.Errorf("decoding login reply: %w", err)
	}
	fmt.Fprintf(os.Stderr, "logged in as %s (profile: %s)\n", login, loginReply.Profile)

	defer func() {
		// The loop's context is already canceled by the time this runs.
		lctx, lcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer lcancel()
		if _, err := p.call(lctx, "logout"); err != nil {
			log.Printf("logout error: %v", err)
		}
	}()

	if goIdle {
		if _, err := p.call(ctx, "set_state", "idle"); err != nil {
			return fmt.Errorf("set_state: %w", err)
		}
		fmt.Fprintln(os.Stderr, "state set to idle, waiting for calls")
	}

	// Poll loop
	for {
		raw, err := p.call(ctx, "poll")
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			var aerr *apiError
			if errors.As(err, &aerr) && aerr.Status == http.StatusRequestTimeout && aerr.Errcode != "BAD_COOKIE" {
				continue // empty poll window, re-arm
			}
			return fmt.Errorf("poll: %w", err)
		}
		for _, counter := range printEvents(raw) {
			if _, err := p.call(ctx, "ack", counter); err != nil {
				log.Printf("ack %v: %v", counter, err)
			}
		}
	}
}

func parsePubKey(eHex, nHex string) (*rsa.PublicKey, error) {
	e, err := strconv.ParseInt(eHex, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("bad public exponent %q: %w", eHex, err)
	}
	n, ok := new(big.Int).SetString(nHex, 16)
	if !ok {
		return nil, fmt.Errorf("bad public modulus")
	}
	return &rsa.PublicKey{N: n, E: int(e)}, nil
}

// printEvents renders one poll flush, one log line per event, and returns
// the counters to acknowledge.
func printEvents(raw json.RawMessage) []any {
	var events []map[string]any
	if err := json.Unmarshal(raw, &events); err != nil {
		log.Printf("undecodable poll result: %s", raw)
		return nil
	}
	counters := make([]any, 0, len(events))
	for _, ev := range events {
		command, _ := ev["command"].(string)
		keys := make([]string, 0, len(ev))
		for k := range ev {
			if k == "command" || k == "counter" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, ev[k])
		}
		log.Printf("event [%s]%s", command, b.String())
		if counter, ok := ev["counter"]; ok {
			counters = append(counters, counter)
		}
	}
	return counters
}
