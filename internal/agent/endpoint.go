// ABOUTME: Endpoint (phone driver) descriptors, interface, and factory registry
// ABOUTME: Channels spawn drivers from specs; inband ringing uses no driver

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// EndpointType names a phone driver family.
type EndpointType string

const (
	EndpointSIPRegistration EndpointType = "sip_registration"
	EndpointSIP             EndpointType = "sip"
	EndpointIAX2            EndpointType = "iax2"
	EndpointH323            EndpointType = "h323"
	EndpointPSTN            EndpointType = "pstn"
)

// ParseEndpointType validates a wire-format endpoint type. The empty string
// selects sip_registration. The historical misspelling "sip_registation"
// still arrives from old clients and is normalised.
func ParseEndpointType(s string) (EndpointType, error) {
	switch strings.ToLower(s) {
	case "", "sip_registration", "sip_registation":
		return EndpointSIPRegistration, nil
	case "sip":
		return EndpointSIP, nil
	case "iax2":
		return EndpointIAX2, nil
	case "h323":
		return EndpointH323, nil
	case "pstn":
		return EndpointPSTN, nil
	}
	return "", fmt.Errorf("unknown endpoint type %q", s)
}

// EndpointSpec describes how to reach an agent's phone. Data is the
// registration name, dial string, or number depending on Type. RingPath
// selects whether ringing is delivered through the session event stream
// (inband) or by actually ringing the device (outband).
type EndpointSpec struct {
	Type     EndpointType `json:"type"`
	Data     string       `json:"data,omitempty"`
	RingPath Path         `json:"ring_path"`
}

// ResolveEndpointSpec applies the login option defaults: missing type means
// sip_registration, missing data for sip_registration means the agent's own
// login, and useoutbandring flips the ring path.
func ResolveEndpointSpec(voipEndpoint, voipEndpointData, login string, useOutbandRing bool) (EndpointSpec, error) {
	et, err := ParseEndpointType(voipEndpoint)
	if err != nil {
		return EndpointSpec{}, err
	}
	data := voipEndpointData
	if data == "" && et == EndpointSIPRegistration {
		data = login
	}
	ringPath := PathInband
	if useOutbandRing {
		ringPath = PathOutband
	}
	return EndpointSpec{Type: et, Data: data, RingPath: ringPath}, nil
}

// Endpoint is a live phone driver owned by exactly one channel. Done is
// closed when the driver exits; Err reports the exit reason afterwards.
type Endpoint interface {
	Ring(ctx context.Context, call *Call) error
	Hangup()
	Done() <-chan struct{}
	Err() error
}

// EndpointFactory spawns a live driver for a spec.
type EndpointFactory func(spec EndpointSpec, logger *slog.Logger) (Endpoint, error)

var (
	endpointMu        sync.RWMutex
	endpointFactories = map[EndpointType]EndpointFactory{}
)

// RegisterEndpointDriver installs the factory for an endpoint type,
// replacing any previous registration. The media-gateway integration calls
// this at startup for the driver families it supports.
func RegisterEndpointDriver(t EndpointType, f EndpointFactory) {
	endpointMu.Lock()
	defer endpointMu.Unlock()
	endpointFactories[t] = f
}

// SpawnEndpoint creates a driver for the spec from the registered factory.
func SpawnEndpoint(spec EndpointSpec, logger *slog.Logger) (Endpoint, error) {
	endpointMu.RLock()
	f, ok := endpointFactories[spec.Type]
	endpointMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no driver registered for endpoint type %q", spec.Type)
	}
	return f(spec, logger)
}

func init() {
	// Every type starts with the logging driver; real drivers replace these
	// when the media gateway wires itself in.
	for _, t := range []EndpointType{
		EndpointSIPRegistration, EndpointSIP, EndpointIAX2, EndpointH323, EndpointPSTN,
	} {
		RegisterEndpointDriver(t, newLogEndpoint)
	}
}

// logEndpoint is the stand-in driver used until a media gateway registers a
// real one. It records ring requests and exits only on hangup, so channel
// lifecycle still works end to end without telephony attached.
type logEndpoint struct {
	spec   EndpointSpec
	logger *slog.Logger

	once sync.Once
	done chan struct{}
}

func newLogEndpoint(spec EndpointSpec, logger *slog.Logger) (Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &logEndpoint{
		spec:   spec,
		logger: logger.With("component", "endpoint", "endpoint_type", string(spec.Type)),
		done:   make(chan struct{}),
	}, nil
}

func (e *logEndpoint) Ring(ctx context.Context, call *Call) error {
	e.logger.Info("ring requested",
		"endpoint_data", e.spec.Data,
		"call_id", call.ID,
		"caller_id", call.CallerID)
	return nil
}

func (e *logEndpoint) Hangup() {
	e.once.Do(func() { close(e.done) })
}

func (e *logEndpoint) Done() <-chan struct{} { return e.done }

func (e *logEndpoint) Err() error { return nil }
