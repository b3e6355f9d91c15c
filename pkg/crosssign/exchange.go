package crosssign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/chain"
	"github.com/chroniclelabs/chronicle/pkg/signing"
)

// Wire headers for the publication protocol. The body carries the
// attestation; the signature travels detached so the body stays exactly
// the JSON the peer re-canonicalizes and verifies.
const (
	HeaderClientIdentity = "X-Chronicle-Client"
	HeaderSignature      = "X-Chronicle-Signature"
)

const defaultExchangeTimeout = 30 * time.Second

// maxAckBytes bounds how much of a peer response is read.
const maxAckBytes = 1 << 20

// Attestation is the outbound wire message POSTed to the peer's
// /publish endpoint. Target carries the peer's own verification key, by
// which the peer recognizes itself as the addressee.
type Attestation struct {
	Target      string `json:"target"`
	CrossSignAt string `json:"cross-sign-at"`
	CurrHash    string `json:"currhash"`
	SummaryHash string `json:"summaryhash"`
}

// Result is a verified exchange: the acknowledgement payload exactly as
// the peer signed it, plus the position and timestamp that were
// actually sent, for the run record.
type Result struct {
	SentPosition int64
	SentAt       time.Time
	Ack          json.RawMessage
}

// Exchange performs the signed attestation round trip with a peer.
// Both legs cross an administrative trust boundary: the outbound body
// is signed with this instance's cross-sign key, and no field of the
// response is trusted before its signature verifies against the
// target's pinned peer key.
type Exchange struct {
	signer signing.Signer
	client *http.Client
}

// NewExchange builds an exchange signing with the given key. A zero
// timeout falls back to 30 seconds; a timeout is reported as ErrNetwork
// like any other transport failure.
func NewExchange(signer signing.Signer, timeout time.Duration) *Exchange {
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &Exchange{
		signer: signer,
		client: &http.Client{Timeout: timeout},
	}
}

// Run sends the chain head to the target's publication endpoint and
// returns the verified acknowledgement. A nil head returns
// chain.ErrEmpty: nothing to attest, nothing sent.
func (e *Exchange) Run(ctx context.Context, target *Target, head *chain.Head, now time.Time) (*Result, error) {
	if head == nil {
		return nil, chain.ErrEmpty
	}

	sentAt := now.UTC()
	body, err := json.Marshal(Attestation{
		Target:      target.PeerVerificationKey,
		CrossSignAt: sentAt.Format(time.RFC3339),
		CurrHash:    head.ContentHash,
		SummaryHash: head.SummaryHash,
	})
	if err != nil {
		return nil, fmt.Errorf("encode attestation: %w", err)
	}

	sig, err := signing.SignDetached(e.signer, body)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint+"/publish", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderClientIdentity, target.ClientIdentity)
	req.Header.Set(HeaderSignature, sig)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: POST %s/publish: %v", ErrNetwork, target.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: peer returned status %d", ErrNetwork, resp.StatusCode)
	}
	ack, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response from %s: %v", ErrNetwork, target.Endpoint, err)
	}

	// Verification precedes any decoding of the payload; a malformed
	// acknowledgement fails canonicalization and lands here too.
	respSig := resp.Header.Get(HeaderSignature)
	if respSig == "" {
		return nil, fmt.Errorf("%w: response carries no signature", ErrPeerAuthentication)
	}
	if err := signing.VerifyDetached(target.PeerVerificationKey, respSig, ack); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerAuthentication, err)
	}

	return &Result{
		SentPosition: head.Position,
		SentAt:       sentAt,
		Ack:          ack,
	}, nil
}
