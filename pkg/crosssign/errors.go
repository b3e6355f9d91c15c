package crosssign

import "errors"

var (
	// ErrTargetNotFound and ErrClientNotFound are lookup failures on
	// load; fatal to the single invocation, harmless to other targets.
	ErrTargetNotFound = errors.New("cross-sign target not found")
	ErrClientNotFound = errors.New("client not found")

	// ErrPolicyNotConfigured fires when a target carries neither
	// recognized policy key. ErrPolicyMalformed covers unparseable
	// values. Both are operator-facing misconfigurations, never normal
	// operational outcomes.
	ErrPolicyNotConfigured = errors.New("no valid policy configured")
	ErrPolicyMalformed     = errors.New("malformed cross-sign policy")

	// ErrLockBusy is not a failure: another holder owns the run lock,
	// the cycle is skipped and naturally retried next time.
	ErrLockBusy = errors.New("cross-sign run lock busy")

	// ErrNetwork is a transport-level failure contacting the peer,
	// including timeouts. The next cycle retries naturally.
	ErrNetwork = errors.New("network error during peer exchange")

	// ErrPeerAuthentication means the peer's response did not verify
	// against the pinned verification key. Logged distinctly from
	// ErrNetwork: it can indicate peer compromise or misconfiguration
	// rather than transient failure.
	ErrPeerAuthentication = errors.New("peer response failed authentication")

	// ErrRecordNotCommitted means the exchange reached the peer but the
	// local last-run update did not commit. Bookkeeping is stale; the
	// policy may re-trigger a redundant run, which is safe but wasteful.
	ErrRecordNotCommitted = errors.New("last-run record not committed")
)

// IsConfigurationError reports whether err is an operator-facing policy
// misconfiguration requiring intervention, as opposed to a normal
// operational outcome.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrPolicyNotConfigured) || errors.Is(err, ErrPolicyMalformed)
}
