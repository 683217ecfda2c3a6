// ABOUTME: TOML seed file loading for the bootstrap command
// ABOUTME: Defines the [[agents]]/[[clients]]/[[queues]]/[[release_opts]] document shape

package store

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// SeedFile is the TOML document consumed by `cpx-gateway bootstrap --seed`.
//
//	[[agents]]
//	login = "alice"
//	password = "secret"
//	profile = "Default"
//	security = "supervisor"
//
//	[[queues]]
//	name = "support"
//	weight = 10
type SeedFile struct {
	Agents      []SeedAgent      `toml:"agents"`
	Clients     []SeedClient     `toml:"clients"`
	Queues      []SeedQueue      `toml:"queues"`
	ReleaseOpts []SeedReleaseOpt `toml:"release_opts"`
}

// SeedAgent describes one agent to create; the password is hashed before storage
type SeedAgent struct {
	Login    string   `toml:"login"`
	Password string   `toml:"password"`
	Profile  string   `toml:"profile"`
	Security string   `toml:"security"`
	RingPath string   `toml:"ring_path"`
	Skills   []string `toml:"skills"`
}

// SeedClient describes one client (brand)
type SeedClient struct {
	ID            string `toml:"id"`
	Label         string `toml:"label"`
	AutoEndWrapup int    `toml:"autoend_wrapup"`
}

// SeedQueue describes one queue definition
type SeedQueue struct {
	Name   string   `toml:"name"`
	Recipe string   `toml:"recipe"`
	Weight int      `toml:"weight"`
	Skills []string `toml:"skills"`
}

// SeedReleaseOpt describes one release option
type SeedReleaseOpt struct {
	Label string `toml:"label"`
	Bias  int    `toml:"bias"`
}

// LoadSeed reads and validates a TOML seed file
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seed SeedFile
	if _, err := toml.Decode(string(data), &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("validating seed file: %w", err)
	}

	return &seed, nil
}

// Validate checks the seed document for entries the store would reject
func (s *SeedFile) Validate() error {
	for i, a := range s.Agents {
		if a.Login == "" {
			return fmt.Errorf("agents[%d]: login is required", i)
		}
		if a.Password == "" {
			return fmt.Errorf("agents[%d] (%s): password is required", i, a.Login)
		}
		switch a.Security {
		case "", SecurityAgent, SecuritySupervisor, SecurityAdmin:
		default:
			return fmt.Errorf("agents[%d] (%s): unknown security level %q", i, a.Login, a.Security)
		}
		switch a.RingPath {
		case "", RingPathInband, RingPathOutband:
		default:
			return fmt.Errorf("agents[%d] (%s): unknown ring_path %q", i, a.Login, a.RingPath)
		}
	}

	for i, q := range s.Queues {
		if q.Name == "" {
			return fmt.Errorf("queues[%d]: name is required", i)
		}
		if q.Weight < 0 {
			return fmt.Errorf("queues[%d] (%s): weight must not be negative", i, q.Name)
		}
	}

	for i, c := range s.Clients {
		if c.Label == "" {
			return fmt.Errorf("clients[%d]: label is required", i)
		}
	}

	for i, r := range s.ReleaseOpts {
		if r.Label == "" {
			return fmt.Errorf("release_opts[%d]: label is required", i)
		}
		if r.Bias < -1 || r.Bias > 1 {
			return fmt.Errorf("release_opts[%d] (%s): bias must be -1, 0, or 1", i, r.Label)
		}
	}

	return nil
}
