// ABOUTME: Tests for endpoint type parsing and login option resolution
// ABOUTME: Table-driven, including the legacy sip_registation spelling

package agent

import (
	"testing"
)

func TestParseEndpointType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EndpointType
		wantErr bool
	}{
		{name: "empty defaults to sip_registration", input: "", want: EndpointSIPRegistration},
		{name: "sip_registration", input: "sip_registration", want: EndpointSIPRegistration},
		{name: "legacy misspelling normalised", input: "sip_registation", want: EndpointSIPRegistration},
		{name: "uppercase accepted", input: "SIP_REGISTRATION", want: EndpointSIPRegistration},
		{name: "sip", input: "sip", want: EndpointSIP},
		{name: "iax2", input: "iax2", want: EndpointIAX2},
		{name: "h323", input: "h323", want: EndpointH323},
		{name: "pstn", input: "pstn", want: EndpointPSTN},
		{name: "unknown", input: "carrier_pigeon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpointType(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEndpointType(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpointType(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("ParseEndpointType(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveEndpointSpec(t *testing.T) {
	tests := []struct {
		name           string
		voipEndpoint   string
		voipData       string
		login          string
		useOutbandRing bool
		want           EndpointSpec
		wantErr        bool
	}{
		{
			name:  "defaults: registration named after the login, inband ring",
			login: "alice",
			want:  EndpointSpec{Type: EndpointSIPRegistration, Data: "alice", RingPath: PathInband},
		},
		{
			name:         "explicit registration data wins over the login",
			voipEndpoint: "sip_registration",
			voipData:     "desk-17",
			login:        "alice",
			want:         EndpointSpec{Type: EndpointSIPRegistration, Data: "desk-17", RingPath: PathInband},
		},
		{
			name:         "legacy spelling resolves like the correct one",
			voipEndpoint: "sip_registation",
			login:        "bob",
			want:         EndpointSpec{Type: EndpointSIPRegistration, Data: "bob", RingPath: PathInband},
		},
		{
			name:         "raw sip uri keeps caller data, no login default",
			voipEndpoint: "sip",
			voipData:     "sip:alice@phones.example.com",
			login:        "alice",
			want:         EndpointSpec{Type: EndpointSIP, Data: "sip:alice@phones.example.com", RingPath: PathInband},
		},
		{
			name:         "pstn with empty data stays empty",
			voipEndpoint: "pstn",
			login:        "carol",
			want:         EndpointSpec{Type: EndpointPSTN, Data: "", RingPath: PathInband},
		},
		{
			name:           "outband ring flag flips the ring path",
			voipEndpoint:   "pstn",
			voipData:       "15557654321",
			login:          "carol",
			useOutbandRing: true,
			want:           EndpointSpec{Type: EndpointPSTN, Data: "15557654321", RingPath: PathOutband},
		},
		{
			name:         "unknown type errors",
			voipEndpoint: "smoke_signal",
			login:        "dave",
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEndpointSpec(tt.voipEndpoint, tt.voipData, tt.login, tt.useOutbandRing)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ResolveEndpointSpec() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSpawnEndpoint_UnregisteredTypeErrors(t *testing.T) {
	// The registry seeds a driver for every known type; an unknown one must
	// error rather than panic.
	_, err := SpawnEndpoint(EndpointSpec{Type: EndpointType("telegraph")}, nil)
	if err == nil {
		t.Fatal("expected error for unregistered endpoint type")
	}
}
