// ABOUTME: Call record and media gateway handle shared by channels and queues
// ABOUTME: Tracks state-change history used for CDRs when the channel ends

package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cpx-gateway/internal/store"
)

// MediaType classifies what kind of interaction a call carries.
type MediaType string

const (
	MediaVoice     MediaType = "voice"
	MediaChat      MediaType = "chat"
	MediaEmail     MediaType = "email"
	MediaVoicemail MediaType = "voicemail"
)

// ParseMediaType validates a wire-format media type.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(s) {
	case MediaVoice, MediaChat, MediaEmail, MediaVoicemail:
		return MediaType(s), nil
	}
	return "", fmt.Errorf("unknown media type %q", s)
}

// Path selects whether ringing or media flows through the application
// (inband, delivered over the session event stream) or directly between
// devices (outband).
type Path string

const (
	PathInband  Path = "inband"
	PathOutband Path = "outband"
)

// Media is the media gateway's handle for one call. The gateway integration
// supplies real implementations; this package only drives the interface.
type Media interface {
	// Oncall bridges the caller to the agent.
	Oncall(ctx context.Context) error
	// Wrapup releases the media side of the call into after-call work.
	Wrapup(ctx context.Context) error
	// Dial starts an outbound leg toward the given number (precall only).
	Dial(ctx context.Context, number string) error
	// Push delivers an agent-originated payload (chat line, DTMF, etc).
	Push(ctx context.Context, data map[string]any) error
	// Hangup tears the media down.
	Hangup(ctx context.Context) error
}

// NopMedia satisfies Media with no-ops. Used for outbound call shells before
// a media gateway attaches, and in tests.
type NopMedia struct{}

func (NopMedia) Oncall(context.Context) error               { return nil }
func (NopMedia) Wrapup(context.Context) error               { return nil }
func (NopMedia) Dial(context.Context, string) error         { return nil }
func (NopMedia) Push(context.Context, map[string]any) error { return nil }
func (NopMedia) Hangup(context.Context) error               { return nil }

// Call is one tracked interaction. RingPath and MediaPath are fixed before
// the call is handed to a channel; the state-change log grows as the channel
// moves through its states.
type Call struct {
	ID       string
	Type     MediaType
	Client   string
	CallerID string

	RingPath  Path
	MediaPath Path

	// Source is the media gateway handle. Never nil; use NopMedia when no
	// gateway is attached.
	Source Media

	mu           sync.Mutex
	stateChanges []store.StateChange
}

// NewCall creates a call with a fresh id and inband defaults.
func NewCall(mediaType MediaType, client, callerID string, source Media) *Call {
	if source == nil {
		source = NopMedia{}
	}
	return &Call{
		ID:        uuid.New().String(),
		Type:      mediaType,
		Client:    client,
		CallerID:  callerID,
		RingPath:  PathInband,
		MediaPath: PathInband,
		Source:    source,
	}
}

// AppendState records a state change with the current time.
func (c *Call) AppendState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateChanges = append(c.stateChanges, store.StateChange{
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

// StateChanges returns a copy of the state-change log.
func (c *Call) StateChanges() []store.StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.StateChange, len(c.stateChanges))
	copy(out, c.stateChanges)
	return out
}

// CallSummary is the compact call view sent to browser sessions.
type CallSummary struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Client   string `json:"client,omitempty"`
	CallerID string `json:"caller_id,omitempty"`
}

// Summary returns the wire view of the call.
func (c *Call) Summary() CallSummary {
	return CallSummary{
		ID:       c.ID,
		Type:     string(c.Type),
		Client:   c.Client,
		CallerID: c.CallerID,
	}
}
