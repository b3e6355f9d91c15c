package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chroniclelabs/chronicle/pkg/crosssign"
	"github.com/chroniclelabs/chronicle/pkg/signing"
)

// maxBodyBytes bounds how much of a request body is read for
// signature verification.
const maxBodyBytes = 1 << 20

// KeyResolver maps a client identity to its hex-encoded ed25519
// verification key. Unknown identities and, when requireElevated is
// set, identities without the elevated flag both resolve to an error.
type KeyResolver interface {
	Resolve(ctx context.Context, identity string, requireElevated bool) (string, error)
}

type callerKey struct{}

func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the authenticated principal for the request: the
// client identity for signature-authenticated requests, the token
// subject for operator requests.
func Caller(ctx context.Context) string {
	if caller, ok := ctx.Value(callerKey{}).(string); ok {
		return caller
	}
	return ""
}

// Authenticator verifies the two credential kinds the API accepts:
// detached body signatures from registered clients, and EdDSA operator
// tokens for the admin surface.
type Authenticator struct {
	resolver    KeyResolver
	operatorKey ed25519.PublicKey
}

// NewAuthenticator builds an authenticator over the given resolver.
// operatorKey may be nil; operator tokens are then rejected (fail
// closed) and the admin surface is reachable only by elevated clients.
func NewAuthenticator(resolver KeyResolver, operatorKey ed25519.PublicKey) *Authenticator {
	return &Authenticator{resolver: resolver, operatorKey: operatorKey}
}

// Signed authenticates a request by its detached body signature: the
// X-Chronicle-Client header names a registered client, and the
// X-Chronicle-Signature header must verify against that client's key
// over the canonicalized body. A bodyless request is signed over the
// canonical empty object, so GET and DELETE calls authenticate the
// same way. The verified body is restored for downstream handlers.
//
// Unknown identities and, when requireElevated is set, identities
// without the elevated flag are indistinguishable on the wire.
func (a *Authenticator) Signed(requireElevated bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := r.Header.Get(crosssign.HeaderClientIdentity)
			sig := r.Header.Get(crosssign.HeaderSignature)
			if identity == "" || sig == "" {
				WriteUnauthorized(w, "Request is not signed")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				WriteBadRequest(w, "Failed to read request body")
				return
			}
			if len(body) > maxBodyBytes {
				WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "Request body exceeds the signing limit")
				return
			}

			key, err := a.resolver.Resolve(r.Context(), identity, requireElevated)
			if err != nil {
				WriteUnauthorized(w, "Unknown client")
				return
			}

			signed := body
			if len(signed) == 0 {
				signed = []byte("{}")
			}
			if err := signing.VerifyDetached(key, sig, signed); err != nil {
				WriteUnauthorized(w, "Signature verification failed")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), identity)))
		})
	}
}

// Admin authenticates the admin surface: a Bearer operator token when
// the Authorization header is present, an elevated client signature
// otherwise.
func (a *Authenticator) Admin() func(http.Handler) http.Handler {
	signed := a.Signed(true)
	return func(next http.Handler) http.Handler {
		signedNext := signed(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				signedNext.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := a.verifyOperator(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), "operator:"+claims.Subject)))
		})
	}
}

// OperatorClaims are the claims carried by operator tokens.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

func (a *Authenticator) verifyOperator(tokenStr string) (*OperatorClaims, error) {
	if a.operatorKey == nil {
		return nil, errors.New("operator authentication not configured")
	}

	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.operatorKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}
