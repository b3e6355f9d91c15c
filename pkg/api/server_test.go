package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclelabs/chronicle/pkg/api"
	"github.com/chroniclelabs/chronicle/pkg/chain"
	"github.com/chroniclelabs/chronicle/pkg/crosssign"
	"github.com/chroniclelabs/chronicle/pkg/signing"
	"github.com/chroniclelabs/chronicle/pkg/store"

	_ "modernc.org/sqlite"
)

type testServer struct {
	ts       *httptest.Server
	store    *store.Store
	ack      *signing.Ed25519Signer
	operator ed25519.PrivateKey
	lockDir  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	st := store.New(db)
	require.NoError(t, st.Init(context.Background()))

	ack, err := signing.NewEd25519Signer("ack")
	require.NoError(t, err)

	opPub, opPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	lockDir := t.TempDir()
	locker, err := crosssign.NewFileLocker(lockDir)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := api.NewServer(st, api.NewAuthenticator(st, opPub), ack, locker, logger)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(api.RequestID(mux))
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, store: st, ack: ack, operator: opPriv, lockDir: lockDir}
}

// registerClient creates a client row and returns a signer holding its key.
func (s *testServer) registerClient(t *testing.T, identity string, elevated bool) *signing.Ed25519Signer {
	t.Helper()
	signer, err := signing.NewEd25519Signer(identity)
	require.NoError(t, err)
	require.NoError(t, s.store.CreateClient(context.Background(), &store.Client{
		Identity:        identity,
		VerificationKey: signer.PublicKey(),
		Elevated:        elevated,
	}))
	return signer
}

// signedRequest builds a request authenticated with a detached body
// signature. A nil body is signed over the canonical empty object.
func signedRequest(t *testing.T, method, url string, signer *signing.Ed25519Signer, identity string, body []byte) *http.Request {
	t.Helper()

	signed := body
	if len(signed) == 0 {
		signed = []byte("{}")
	}
	sig, err := signing.SignDetached(signer, signed)
	require.NoError(t, err)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(crosssign.HeaderClientIdentity, identity)
	req.Header.Set(crosssign.HeaderSignature, sig)
	return req
}

func (s *testServer) operatorToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   "ops",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString(s.operator)
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPublishRecordsAttestation(t *testing.T) {
	s := newTestServer(t)
	peer := s.registerClient(t, "instance-a", false)

	body, err := json.Marshal(crosssign.Attestation{
		Target:      s.ack.PublicKey(),
		CrossSignAt: time.Now().UTC().Format(time.RFC3339),
		CurrHash:    "sha256:0f1e",
		SummaryHash: "sha256:2d3c",
	})
	require.NoError(t, err)

	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/publish", peer, "instance-a", body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ackBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// The acknowledgement must verify against the advertised key
	// before any field is trusted.
	sig := resp.Header.Get(crosssign.HeaderSignature)
	require.NotEmpty(t, sig)
	require.NoError(t, signing.VerifyDetached(s.ack.PublicKey(), sig, ackBody))

	var ack api.PublishAck
	require.NoError(t, json.Unmarshal(ackBody, &ack))
	assert.Equal(t, int64(1), ack.ID)
	_, err = time.Parse(time.RFC3339, ack.ReceivedAt)
	assert.NoError(t, err)

	entry, err := s.store.Entry(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, chain.KindCrossSign, entry.Kind)
	assert.Equal(t, entry.ContentHash, ack.CurrHash)
	assert.Contains(t, string(entry.Payload), `"client":"instance-a"`)
	assert.Contains(t, string(entry.Payload), `"currhash":"sha256:0f1e"`)
}

func TestPublishRejectsWrongAddressee(t *testing.T) {
	s := newTestServer(t)
	peer := s.registerClient(t, "instance-a", false)

	other, err := signing.NewEd25519Signer("other")
	require.NoError(t, err)

	body, err := json.Marshal(crosssign.Attestation{
		Target:      other.PublicKey(),
		CrossSignAt: time.Now().UTC().Format(time.RFC3339),
		CurrHash:    "sha256:0f1e",
		SummaryHash: "sha256:2d3c",
	})
	require.NoError(t, err)

	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/publish", peer, "instance-a", body))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Nothing recorded.
	_, err = s.store.Head(context.Background())
	assert.ErrorIs(t, err, chain.ErrEmpty)
}

func TestPublishRejectsUnknownClient(t *testing.T) {
	s := newTestServer(t)

	ghost, err := signing.NewEd25519Signer("ghost")
	require.NoError(t, err)

	body := []byte(`{"target":"x","cross-sign-at":"2026-01-01T00:00:00Z","currhash":"a","summaryhash":"b"}`)
	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/publish", ghost, "ghost", body))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishRejectsTamperedBody(t *testing.T) {
	s := newTestServer(t)
	peer := s.registerClient(t, "instance-a", false)

	req := signedRequest(t, http.MethodPost, s.ts.URL+"/publish", peer, "instance-a", []byte(`{"target":"original"}`))
	tampered := []byte(`{"target":"swapped"}`)
	req.Body = io.NopCloser(bytes.NewReader(tampered))
	req.ContentLength = int64(len(tampered))

	resp := do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishRejectsUnsignedRequest(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Post(s.ts.URL+"/publish", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAppendAndReadBack(t *testing.T) {
	s := newTestServer(t)
	client := s.registerClient(t, "writer", false)

	body := []byte(`{"payload":{"event":"deploy","version":"1.4.2"}}`)
	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/entries", client, "writer", body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created chain.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, int64(1), created.Position)
	assert.Equal(t, chain.KindRecord, created.Kind)

	resp = do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/head"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var head chain.Head
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&head))
	assert.Equal(t, int64(1), head.Position)
	assert.Equal(t, created.SummaryHash, head.SummaryHash)

	resp = do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/entries/1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/entries?from=1&limit=10"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []*chain.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 1)

	resp = do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/verify"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify struct {
		OK       bool  `json:"ok"`
		Verified int64 `json:"verified"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verify))
	assert.True(t, verify.OK)
	assert.Equal(t, int64(1), verify.Verified)

	resp = do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/entries/9"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeadEmptyChain(t *testing.T) {
	s := newTestServer(t)

	resp := do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/head"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestAdminRequiresElevation(t *testing.T) {
	s := newTestServer(t)
	plain := s.registerClient(t, "plain", false)

	body := []byte(`{"identity":"new","verification_key":"00"}`)
	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/admin/clients", plain, "plain", body))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminCreateClientWithElevatedSignature(t *testing.T) {
	s := newTestServer(t)
	admin := s.registerClient(t, "admin", true)

	peerKey, err := signing.NewEd25519Signer("peer")
	require.NoError(t, err)

	body, err := json.Marshal(api.CreateClientRequest{
		Identity:        "instance-b",
		VerificationKey: peerKey.PublicKey(),
	})
	require.NoError(t, err)

	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/admin/clients", admin, "admin", body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate identity is a conflict.
	resp = do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/admin/clients", admin, "admin", body))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Bodyless GET authenticates over the canonical empty object.
	resp = do(t, signedRequest(t, http.MethodGet, s.ts.URL+"/admin/clients", admin, "admin", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var clients []*store.Client
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	assert.Len(t, clients, 2)
}

func TestAdminOperatorToken(t *testing.T) {
	s := newTestServer(t)

	peerKey, err := signing.NewEd25519Signer("peer")
	require.NoError(t, err)

	body, err := json.Marshal(api.CreateTargetRequest{
		Name:                "peer-b",
		Endpoint:            "https://peer-b.example",
		ClientIdentity:      "instance-a",
		PeerVerificationKey: peerKey.PublicKey(),
		Policy:              json.RawMessage(`{"push-after": 10}`),
	})
	require.NoError(t, err)

	req := mustRequest(t, http.MethodPost, s.ts.URL+"/admin/targets")
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.operatorToken(t, time.Hour))

	resp := do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var target crosssign.Target
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&target))
	assert.NotEmpty(t, target.ID)
}

func TestAdminRejectsExpiredToken(t *testing.T) {
	s := newTestServer(t)

	req := mustRequest(t, http.MethodGet, s.ts.URL+"/admin/targets")
	req.Header.Set("Authorization", "Bearer "+s.operatorToken(t, -time.Minute))

	resp := do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRejectsMalformedPolicy(t *testing.T) {
	s := newTestServer(t)
	admin := s.registerClient(t, "admin", true)

	peerKey, err := signing.NewEd25519Signer("peer")
	require.NoError(t, err)

	body, err := json.Marshal(api.CreateTargetRequest{
		Name:                "peer-b",
		Endpoint:            "https://peer-b.example",
		ClientIdentity:      "instance-a",
		PeerVerificationKey: peerKey.PublicKey(),
		Policy:              json.RawMessage(`{"push-days": -1}`),
	})
	require.NoError(t, err)

	resp := do(t, signedRequest(t, http.MethodPost, s.ts.URL+"/admin/targets", admin, "admin", body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearLock(t *testing.T) {
	s := newTestServer(t)

	target := &crosssign.Target{
		Name:                "peer",
		Endpoint:            "https://peer.example",
		ClientIdentity:      "instance-a",
		PeerVerificationKey: s.ack.PublicKey(),
	}
	require.NoError(t, s.store.CreateTarget(context.Background(), target))

	// Simulate a crashed holder: acquire and never release.
	locker, err := crosssign.NewFileLocker(s.lockDir)
	require.NoError(t, err)
	_, err = locker.Acquire(context.Background(), target.ID)
	require.NoError(t, err)
	_, err = locker.Acquire(context.Background(), target.ID)
	require.ErrorIs(t, err, crosssign.ErrLockBusy)

	req := mustRequest(t, http.MethodDelete, s.ts.URL+"/admin/targets/"+target.ID+"/lock")
	req.Header.Set("Authorization", "Bearer "+s.operatorToken(t, time.Hour))
	resp := do(t, req)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	handle, err := locker.Acquire(context.Background(), target.ID)
	require.NoError(t, err)
	require.NoError(t, handle.Release(context.Background()))
}

func TestClearLockUnknownTarget(t *testing.T) {
	s := newTestServer(t)

	req := mustRequest(t, http.MethodDelete, s.ts.URL+"/admin/targets/ghost/lock")
	req.Header.Set("Authorization", "Bearer "+s.operatorToken(t, time.Hour))
	resp := do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	resp := do(t, mustRequest(t, http.MethodGet, s.ts.URL+"/healthz"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func mustRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	return req
}
