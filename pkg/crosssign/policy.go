package crosssign

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/chain"
)

// Policy is the cross-sign cadence configuration. The two keys are
// independently sufficient triggers: push-after fires on chain growth,
// push-days on elapsed time since the last run.
type Policy struct {
	PushAfter *int64 `json:"push-after"`
	PushDays  *int   `json:"push-days"`
}

// ParsePolicy decodes a target's raw policy document. Unrecognized keys
// are ignored; unparseable values for the recognized keys and negative
// day counts are configuration errors.
func ParsePolicy(raw json.RawMessage) (*Policy, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &Policy{}, nil
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyMalformed, err)
	}
	if p.PushDays != nil && *p.PushDays < 0 {
		return nil, fmt.Errorf("%w: push-days must be >= 0, got %d", ErrPolicyMalformed, *p.PushDays)
	}
	return &p, nil
}

// NeedsRun decides whether a target is due for cross-signing. head may
// be nil when the chain is empty.
//
// A first run (no usable last-run record) always proceeds, before the
// policy is even parsed. After that, push-after triggers when the chain
// has grown by at least the configured count since the recorded
// position; an unmet count threshold falls through to the day policy
// rather than deciding. push-days triggers when now is strictly later
// than the recorded time plus the configured days.
func NeedsRun(policyRaw json.RawMessage, lastRun *RunRecord, head *chain.Head, now time.Time) (bool, error) {
	if lastRun == nil || lastRun.Position == 0 || lastRun.Time.IsZero() {
		return true, nil
	}

	policy, err := ParsePolicy(policyRaw)
	if err != nil {
		return false, err
	}

	var headPosition int64
	if head != nil {
		headPosition = head.Position
	}

	if policy.PushAfter != nil {
		if headPosition-lastRun.Position >= *policy.PushAfter {
			return true, nil
		}
	}
	if policy.PushDays != nil {
		due := lastRun.Time.Add(time.Duration(*policy.PushDays) * 24 * time.Hour)
		return now.After(due), nil
	}
	if policy.PushAfter != nil {
		return false, nil
	}
	return false, ErrPolicyNotConfigured
}
