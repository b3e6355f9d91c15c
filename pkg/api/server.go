package api

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/chain"
	"github.com/chroniclelabs/chronicle/pkg/crosssign"
	"github.com/chroniclelabs/chronicle/pkg/signing"
	"github.com/chroniclelabs/chronicle/pkg/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Server serves the chronicle HTTP API.
type Server struct {
	store  *store.Store
	auth   *Authenticator
	ack    signing.Signer
	locker crosssign.Locker
	logger *slog.Logger

	// selfKey is the hex verification key this instance advertises.
	// Inbound attestations must name it in their target field, and
	// acknowledgements are signed with its private half.
	selfKey string

	clock func() time.Time
}

// NewServer builds the API server. ack is the acknowledgement signer;
// its public key is the instance's advertised verification key.
func NewServer(st *store.Store, auth *Authenticator, ack signing.Signer, locker crosssign.Locker, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		auth:    auth,
		ack:     ack,
		locker:  locker,
		logger:  logger,
		selfKey: ack.PublicKey(),
		clock:   time.Now,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /head", s.handleHead)
	mux.HandleFunc("GET /entries", s.handleEntries)
	mux.HandleFunc("GET /entries/{position}", s.handleEntry)
	mux.HandleFunc("GET /verify", s.handleVerify)

	signed := s.auth.Signed(false)
	mux.Handle("POST /publish", signed(http.HandlerFunc(s.handlePublish)))
	mux.Handle("POST /entries", signed(http.HandlerFunc(s.handleAppend)))

	admin := s.auth.Admin()
	mux.Handle("POST /admin/clients", admin(http.HandlerFunc(s.handleCreateClient)))
	mux.Handle("GET /admin/clients", admin(http.HandlerFunc(s.handleListClients)))
	mux.Handle("POST /admin/targets", admin(http.HandlerFunc(s.handleCreateTarget)))
	mux.Handle("GET /admin/targets", admin(http.HandlerFunc(s.handleListTargets)))
	mux.Handle("DELETE /admin/targets/{id}/lock", admin(http.HandlerFunc(s.handleClearLock)))
}

// PublishAck is the acknowledgement returned for a recorded
// attestation: the position of the cross-sign entry it produced, the
// receipt time, and the entry's content hash. The response body is
// signed; callers must verify the X-Chronicle-Signature header before
// reading any field.
type PublishAck struct {
	ID         int64  `json:"id"`
	ReceivedAt string `json:"received-at"`
	CurrHash   string `json:"currhash"`
}

// receivedAttestation is the payload recorded on the local chain for
// an accepted peer attestation.
type receivedAttestation struct {
	Client      string `json:"client"`
	Target      string `json:"target"`
	CrossSignAt string `json:"cross-sign-at"`
	CurrHash    string `json:"currhash"`
	SummaryHash string `json:"summaryhash"`
}

// handlePublish accepts a peer's signed chain-head attestation,
// records it as a cross-sign entry on the local chain, and responds
// with a signed acknowledgement.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var att crosssign.Attestation
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		WriteBadRequest(w, "Invalid attestation body")
		return
	}
	if att.CurrHash == "" || att.SummaryHash == "" {
		WriteBadRequest(w, "Attestation is missing chain hashes")
		return
	}
	if _, err := time.Parse(time.RFC3339, att.CrossSignAt); err != nil {
		WriteBadRequest(w, "cross-sign-at must be an RFC 3339 timestamp")
		return
	}
	if att.Target != s.selfKey {
		WriteForbidden(w, "Attestation is addressed to a different instance")
		return
	}

	client := Caller(r.Context())
	payload, err := json.Marshal(receivedAttestation{
		Client:      client,
		Target:      att.Target,
		CrossSignAt: att.CrossSignAt,
		CurrHash:    att.CurrHash,
		SummaryHash: att.SummaryHash,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	entry, err := s.store.Append(r.Context(), chain.KindCrossSign, payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	ack, err := json.Marshal(PublishAck{
		ID:         entry.Position,
		ReceivedAt: s.clock().UTC().Format(time.RFC3339),
		CurrHash:   entry.ContentHash,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	sig, err := signing.SignDetached(s.ack, ack)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.logger.InfoContext(r.Context(), "cross-sign attestation recorded",
		"client", client,
		"position", entry.Position,
		"peer_currhash", att.CurrHash,
		"request_id", GetRequestID(r.Context()))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(crosssign.HeaderSignature, sig)
	w.WriteHeader(http.StatusOK)
	// The signature covers these exact bytes; never re-encode.
	_, _ = w.Write(ack)
}

// AppendRequest is the body of POST /entries.
type AppendRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		WriteBadRequest(w, "payload is required")
		return
	}

	entry, err := s.store.Append(r.Context(), chain.KindRecord, req.Payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.logger.InfoContext(r.Context(), "entry appended",
		"client", Caller(r.Context()),
		"position", entry.Position)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	head, err := s.store.Head(r.Context())
	if errors.Is(err, chain.ErrEmpty) {
		WriteNotFound(w, "Chain is empty")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(head)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.ParseInt(r.PathValue("position"), 10, 64)
	if err != nil || position < 1 {
		WriteBadRequest(w, "position must be a positive integer")
		return
	}

	entry, err := s.store.Entry(r.Context(), position)
	if errors.Is(err, chain.ErrNotFound) {
		WriteNotFound(w, "No entry at that position")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	from := int64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			WriteBadRequest(w, "from must be a positive integer")
			return
		}
		from = parsed
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			WriteBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	entries, err := s.store.Entries(r.Context(), from, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*chain.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	verified, err := s.store.VerifyChain(r.Context())
	if errors.Is(err, chain.ErrChainBroken) {
		WriteErrorR(w, r, http.StatusConflict, "Chain Verification Failed", err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"verified": verified,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Database unreachable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// CreateClientRequest is the body of POST /admin/clients.
type CreateClientRequest struct {
	Identity        string `json:"identity"`
	VerificationKey string `json:"verification_key"`
	Elevated        bool   `json:"elevated"`
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Identity == "" {
		WriteBadRequest(w, "identity is required")
		return
	}
	if err := validateVerificationKey(req.VerificationKey); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if _, err := s.store.Resolve(r.Context(), req.Identity, false); err == nil {
		WriteConflict(w, "Client identity already registered")
		return
	}

	client := &store.Client{
		Identity:        req.Identity,
		VerificationKey: req.VerificationKey,
		Elevated:        req.Elevated,
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		WriteInternal(w, err)
		return
	}

	s.logger.InfoContext(r.Context(), "client registered",
		"identity", client.Identity,
		"elevated", client.Elevated,
		"by", Caller(r.Context()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(client)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if clients == nil {
		clients = []*store.Client{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(clients)
}

// CreateTargetRequest is the body of POST /admin/targets.
type CreateTargetRequest struct {
	Name                string          `json:"name"`
	Endpoint            string          `json:"endpoint"`
	ClientIdentity      string          `json:"client_identity"`
	PeerVerificationKey string          `json:"peer_verification_key"`
	Policy              json.RawMessage `json:"policy,omitempty"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req CreateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Name == "" || req.ClientIdentity == "" {
		WriteBadRequest(w, "name and client_identity are required")
		return
	}
	endpoint, err := url.Parse(req.Endpoint)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		WriteBadRequest(w, "endpoint must be an http(s) URL")
		return
	}
	if err := validateVerificationKey(req.PeerVerificationKey); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if len(req.Policy) > 0 {
		// Catch misconfigured policies at registration instead of on
		// the first scheduled run.
		policy, err := crosssign.ParsePolicy(req.Policy)
		if err != nil {
			WriteBadRequest(w, "Invalid policy: "+err.Error())
			return
		}
		if policy.PushAfter == nil && policy.PushDays == nil {
			WriteBadRequest(w, "Policy must configure push-after or push-days")
			return
		}
	}

	target := &crosssign.Target{
		Name:                req.Name,
		Endpoint:            req.Endpoint,
		ClientIdentity:      req.ClientIdentity,
		PeerVerificationKey: req.PeerVerificationKey,
		Policy:              req.Policy,
	}
	if err := s.store.CreateTarget(r.Context(), target); err != nil {
		WriteInternal(w, err)
		return
	}

	s.logger.InfoContext(r.Context(), "cross-sign target registered",
		"target", target.ID,
		"name", target.Name,
		"endpoint", target.Endpoint,
		"by", Caller(r.Context()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if targets == nil {
		targets = []*crosssign.Target{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(targets)
}

// handleClearLock removes a held run lock, the recovery path for a
// crashed holder. Deliberately loud in the logs.
func (s *Server) handleClearLock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.GetTarget(r.Context(), id); err != nil {
		if errors.Is(err, crosssign.ErrTargetNotFound) {
			WriteNotFound(w, "Unknown target")
			return
		}
		WriteInternal(w, err)
		return
	}

	if err := s.locker.Clear(r.Context(), id); err != nil {
		WriteInternal(w, err)
		return
	}

	s.logger.WarnContext(r.Context(), "run lock cleared manually",
		"target", id,
		"by", Caller(r.Context()),
		"request_id", GetRequestID(r.Context()))

	w.WriteHeader(http.StatusNoContent)
}

func validateVerificationKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return errors.New("verification key must be a 64-character hex ed25519 public key")
	}
	return nil
}
