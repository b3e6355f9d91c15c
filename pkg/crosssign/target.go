// Package crosssign implements chain-head cross-signing between
// chronicle instances: cadence policy evaluation, the durable per-target
// run lock, the signed attestation exchange with a peer, and the
// orchestration that ties them together.
package crosssign

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/chain"
)

// Target is one peer relationship. It is loaded fresh from durable
// storage for every evaluation cycle; policy decisions must never trust
// a cached copy across cycles.
type Target struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Endpoint            string          `json:"endpoint"`
	ClientIdentity      string          `json:"client_identity"`
	PeerVerificationKey string          `json:"peer_verification_key"`
	Policy              json.RawMessage `json:"policy"`
	LastRun             *RunRecord      `json:"last_run,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// RunRecord is the bookkeeping of the last successful exchange with a
// peer. Position and Time are monotonically non-decreasing across runs;
// Response is the peer's acknowledgement, stored verbatim.
type RunRecord struct {
	Position int64           `json:"id"`
	Time     time.Time       `json:"time"`
	Response json.RawMessage `json:"response,omitempty"`
}

// TargetStore is the durable system of record for targets. RecordRun
// must be atomic: either the new last-run record is durably visible to
// the next policy evaluation, or the prior one is entirely unchanged.
type TargetStore interface {
	GetTarget(ctx context.Context, id string) (*Target, error)
	ListTargetIDs(ctx context.Context) ([]string, error)
	RecordRun(ctx context.Context, id string, position int64, at time.Time, response json.RawMessage) error
}

// HeadSource reads the current chain head. It returns chain.ErrEmpty
// when no entries exist yet.
type HeadSource interface {
	Head(ctx context.Context) (*chain.Head, error)
}
