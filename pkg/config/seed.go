package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// seedSchemaJSON constrains seed profiles before import: identities
// non-empty, verification keys hex ed25519, endpoints http(s), policy
// values integers. Unknown policy keys stay permitted; the evaluator
// ignores them at run time.
const seedSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "clients": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["identity", "verification_key"],
        "properties": {
          "identity": {"type": "string", "minLength": 1},
          "verification_key": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "elevated": {"type": "boolean"}
        }
      }
    },
    "targets": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "endpoint", "client_identity", "peer_verification_key"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "endpoint": {"type": "string", "pattern": "^https?://"},
          "client_identity": {"type": "string", "minLength": 1},
          "peer_verification_key": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "policy": {
            "type": "object",
            "properties": {
              "push-after": {"type": "integer"},
              "push-days": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var seedSchema = jsonschema.MustCompileString("chronicle://seed.schema.json", seedSchemaJSON)

// SeedProfile declares clients and cross-sign targets to import into a
// fresh or existing instance.
type SeedProfile struct {
	Clients []SeedClient `yaml:"clients"`
	Targets []SeedTarget `yaml:"targets"`
}

// SeedClient registers a peer or tool identity and its key.
type SeedClient struct {
	Identity        string `yaml:"identity"`
	VerificationKey string `yaml:"verification_key"`
	Elevated        bool   `yaml:"elevated"`
}

// SeedTarget registers a peer instance to cross-sign with.
type SeedTarget struct {
	Name                string         `yaml:"name"`
	Endpoint            string         `yaml:"endpoint"`
	ClientIdentity      string         `yaml:"client_identity"`
	PeerVerificationKey string         `yaml:"peer_verification_key"`
	Policy              map[string]any `yaml:"policy"`
}

// PolicyJSON returns the target's policy as the JSON document stored
// on the target row. A target without a policy yields nil.
func (t *SeedTarget) PolicyJSON() (json.RawMessage, error) {
	if len(t.Policy) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(t.Policy)
	if err != nil {
		return nil, fmt.Errorf("encode policy for target %q: %w", t.Name, err)
	}
	return raw, nil
}

// LoadSeedProfile reads and validates a YAML seed profile. The document
// is checked against the embedded schema before it is decoded, so a
// profile that loads is structurally sound.
func LoadSeedProfile(path string) (*SeedProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed profile: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed profile %s: %w", path, err)
	}

	// Round-trip through JSON so the validator sees JSON types.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("seed profile %s is not a JSON-compatible document: %w", path, err)
	}
	var generic any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return nil, fmt.Errorf("seed profile %s: %w", path, err)
	}
	if err := seedSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("seed profile %s failed validation: %w", path, err)
	}

	var profile SeedProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode seed profile %s: %w", path, err)
	}
	return &profile, nil
}
