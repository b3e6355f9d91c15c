package crosssign

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclelabs/chronicle/pkg/chain"
)

type recordCall struct {
	id       string
	position int64
	at       time.Time
	response json.RawMessage
}

type fakeTargetStore struct {
	mu        sync.Mutex
	targets   map[string]*Target
	records   []recordCall
	recordErr error
}

func (s *fakeTargetStore) GetTarget(_ context.Context, id string) (*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", id, ErrTargetNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTargetStore) ListTargetIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeTargetStore) RecordRun(_ context.Context, id string, position int64, at time.Time, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.records = append(s.records, recordCall{id: id, position: position, at: at, response: response})
	return nil
}

type fakeHeads struct {
	head *chain.Head
}

func (h *fakeHeads) Head(context.Context) (*chain.Head, error) {
	if h.head == nil {
		return nil, chain.ErrEmpty
	}
	return h.head, nil
}

type countingLocker struct {
	Locker
	acquires atomic.Int32
}

func (l *countingLocker) Acquire(ctx context.Context, targetID string) (LockHandle, error) {
	l.acquires.Add(1)
	return l.Locker.Acquire(ctx, targetID)
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *fakeMetrics) RecordRun(_ context.Context, _ string, outcome Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLocker(t *testing.T) *FileLocker {
	t.Helper()
	locker, err := NewFileLocker(t.TempDir())
	require.NoError(t, err)
	return locker
}

func TestPerformRunHappyPath(t *testing.T) {
	sender := newSigner(t)
	peerKey := newSigner(t)

	peer := &testPeer{ackSigner: peerKey, senderKey: sender.PublicKey()}
	srv := httptest.NewServer(peer.handler(t))
	defer srv.Close()

	store := &fakeTargetStore{targets: map[string]*Target{
		"t1": {
			ID:                  "t1",
			Endpoint:            srv.URL,
			ClientIdentity:      "instance-a",
			PeerVerificationKey: peerKey.PublicKey(),
			Policy:              json.RawMessage(`{"push-after": 1}`),
		},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 42, ContentHash: "sha256:aa", SummaryHash: "sha256:bb"}}
	metrics := &fakeMetrics{}
	now := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	runner := NewRunner(store, heads, newTestLocker(t), NewExchange(sender, 0), discardLogger(), metrics, func() time.Time { return now })

	res, err := runner.PerformRun(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, res.Outcome)
	assert.Equal(t, int64(42), res.Position)

	// The recorded position is the one that went out in the signed
	// message, and the acknowledgement is stored verbatim.
	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "t1", rec.id)
	assert.Equal(t, int64(42), rec.position)
	assert.Equal(t, now, rec.at)
	assert.True(t, json.Valid(rec.response))
	require.NotNil(t, peer.attestation)
	assert.Equal(t, "sha256:aa", peer.attestation.CurrHash)

	require.Len(t, metrics.outcomes, 1)
	assert.Equal(t, OutcomeRan, metrics.outcomes[0])
}

func TestPerformRunSkippedNotDue(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeTargetStore{targets: map[string]*Target{
		"t1": {
			ID:      "t1",
			Policy:  json.RawMessage(`{"push-after": 5}`),
			LastRun: &RunRecord{Position: 40, Time: t0},
		},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 42}}
	locker := &countingLocker{Locker: newTestLocker(t)}

	runner := NewRunner(store, heads, locker, NewExchange(newSigner(t), 0), discardLogger(), nil, func() time.Time { return t0.Add(time.Hour) })

	res, err := runner.PerformRun(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedNotDue, res.Outcome)

	// A not-due cycle takes no lock, makes no network call, and leaves
	// lastRun untouched.
	assert.Zero(t, locker.acquires.Load())
	assert.Empty(t, store.records)
}

func TestPerformRunSkippedLocked(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	store := &fakeTargetStore{targets: map[string]*Target{
		"t7": {ID: "t7", Endpoint: srv.URL, Policy: json.RawMessage(`{"push-after": 1}`)},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 3, ContentHash: "sha256:aa", SummaryHash: "sha256:bb"}}
	locker := newTestLocker(t)

	// Another holder already owns the lock for t7.
	held, err := locker.Acquire(context.Background(), "t7")
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	runner := NewRunner(store, heads, locker, NewExchange(newSigner(t), 0), discardLogger(), nil, nil)

	res, err := runner.PerformRun(context.Background(), "t7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLocked, res.Outcome)
	assert.Zero(t, requests.Load(), "a locked run must not attempt network I/O")
	assert.Empty(t, store.records)
}

func TestPerformRunSkippedEmptyChain(t *testing.T) {
	store := &fakeTargetStore{targets: map[string]*Target{
		"t1": {ID: "t1", Endpoint: "http://peer.invalid", Policy: json.RawMessage(`{"push-days": 1}`)},
	}}
	heads := &fakeHeads{head: nil}
	locker := newTestLocker(t)

	runner := NewRunner(store, heads, locker, NewExchange(newSigner(t), 0), discardLogger(), nil, nil)

	res, err := runner.PerformRun(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedEmptyChain, res.Outcome)
	assert.Empty(t, store.records)

	// The lock was released on the skip path.
	h, err := locker.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestPerformRunNetworkFailureReleasesLockAndKeepsLastRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // unreachable endpoint

	store := &fakeTargetStore{targets: map[string]*Target{
		"t1": {ID: "t1", Endpoint: srv.URL, Policy: json.RawMessage(`{"push-after": 1}`)},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 5, ContentHash: "sha256:aa", SummaryHash: "sha256:bb"}}
	locker := newTestLocker(t)

	runner := NewRunner(store, heads, locker, NewExchange(newSigner(t), 0), discardLogger(), nil, nil)

	res, err := runner.PerformRun(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNetwork)
	assert.Empty(t, store.records, "a failed exchange must leave lastRun untouched")

	h, err := locker.Acquire(context.Background(), "t1")
	require.NoError(t, err, "the lock must be released after a failed exchange")
	require.NoError(t, h.Release(context.Background()))
}

func TestPerformRunAuthenticationFailure(t *testing.T) {
	sender := newSigner(t)
	peerKey := newSigner(t)
	wrongKey := newSigner(t)

	peer := &testPeer{ackSigner: wrongKey, senderKey: sender.PublicKey()}
	srv := httptest.NewServer(peer.handler(t))
	defer srv.Close()

	store := &fakeTargetStore{targets: map[string]*Target{
		"t1": {
			ID:                  "t1",
			Endpoint:            srv.URL,
			PeerVerificationKey: peerKey.PublicKey(),
			Policy:              json.RawMessage(`{"push-after": 1}`),
		},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 5, ContentHash: "sha256:aa", SummaryHash: "sha256:bb"}}

	runner := NewRunner(store, heads, newTestLocker(t), NewExchange(sender, 0), discardLogger(), nil, nil)

	res, err := runner.PerformRun(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrPeerAuthentication)
	assert.Empty(t, store.records)
}

func TestPerformRunRecordCommitFailure(t *testing.T) {
	sender := newSigner(t)
	peerKey := newSigner(t)

	peer := &testPeer{ackSigner: peerKey, senderKey: sender.PublicKey()}
	srv := httptest.NewServer(peer.handler(t))
	defer srv.Close()

	store := &fakeTargetStore{
		targets: map[string]*Target{
			"t1": {
				ID:                  "t1",
				Endpoint:            srv.URL,
				PeerVerificationKey: peerKey.PublicKey(),
				Policy:              json.RawMessage(`{"push-after": 1}`),
			},
		},
		recordErr: ErrRecordNotCommitted,
	}
	heads := &fakeHeads{head: &chain.Head{Position: 5, ContentHash: "sha256:aa", SummaryHash: "sha256:bb"}}

	runner := NewRunner(store, heads, newTestLocker(t), NewExchange(sender, 0), discardLogger(), nil, nil)

	res, err := runner.PerformRun(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrRecordNotCommitted)
}

func TestPerformRunConfigurationErrorPrecedesLock(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeTargetStore{targets: map[string]*Target{
		"t1": {ID: "t1", Policy: json.RawMessage(`{}`), LastRun: &RunRecord{Position: 1, Time: t0}},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 5}}
	locker := &countingLocker{Locker: newTestLocker(t)}

	runner := NewRunner(store, heads, locker, NewExchange(newSigner(t), 0), discardLogger(), nil, nil)

	_, err := runner.PerformRun(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyNotConfigured)
	assert.True(t, IsConfigurationError(err))
	assert.Zero(t, locker.acquires.Load(), "a misconfigured run aborts before any lock is taken")
}

func TestPerformRunTargetNotFound(t *testing.T) {
	store := &fakeTargetStore{targets: map[string]*Target{}}
	runner := NewRunner(store, &fakeHeads{}, newTestLocker(t), NewExchange(newSigner(t), 0), discardLogger(), nil, nil)

	_, err := runner.PerformRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestRunAllTargetsAreIndependent(t *testing.T) {
	sender := newSigner(t)
	peerKey := newSigner(t)

	peer := &testPeer{ackSigner: peerKey, senderKey: sender.PublicKey()}
	srv := httptest.NewServer(peer.handler(t))
	defer srv.Close()

	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeTargetStore{targets: map[string]*Target{
		"due": {
			ID:                  "due",
			Endpoint:            srv.URL,
			PeerVerificationKey: peerKey.PublicKey(),
			Policy:              json.RawMessage(`{"push-after": 1}`),
		},
		"idle": {
			ID:      "idle",
			Policy:  json.RawMessage(`{"push-days": 30}`),
			LastRun: &RunRecord{Position: 5, Time: t0},
		},
	}}
	heads := &fakeHeads{head: &chain.Head{Position: 5, ContentHash: "sha256:aa", SummaryHash: "sha256:bb"}}

	runner := NewRunner(store, heads, newTestLocker(t), NewExchange(sender, 0), discardLogger(), nil, func() time.Time { return t0.Add(time.Hour) })

	results := runner.RunAll(context.Background())
	require.Len(t, results, 2)

	byID := map[string]Outcome{}
	for _, r := range results {
		byID[r.TargetID] = r.Outcome
	}
	assert.Equal(t, OutcomeRan, byID["due"])
	assert.Equal(t, OutcomeSkippedNotDue, byID["idle"])
	require.Len(t, store.records, 1)
	assert.Equal(t, "due", store.records[0].id)
}
