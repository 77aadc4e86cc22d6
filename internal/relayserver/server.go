// Package relayserver implements the always-on relay's HTTP surface:
// snapshot push/fetch and revocation submit/lookup, fronted by a bearer
// token check (spec §4.6-4.7). The token must verify, but the container
// id it carries is not compared with the record being requested. The
// relay never decrypts a snapshot; it only stores and returns opaque
// envelopes.
package relayserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
	"github.com/ocmtlabs/ocmt/internal/gateway"
	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/internal/telemetry"
	"github.com/ocmtlabs/ocmt/pkg/capability"
	"github.com/ocmtlabs/ocmt/pkg/revocation"
	"github.com/ocmtlabs/ocmt/pkg/snapshot"
)

// Server is the relay's HTTP handler.
type Server struct {
	snapshots   *snapshot.Store
	revocations *revocation.Store
	issuer      *gateway.Issuer
	log         *slog.Logger
	now         func() time.Time

	mux *http.ServeMux
}

// New builds a relay Server backed by snapshots/revocations. issuer may be
// nil to disable bearer-token enforcement (used in tests).
func New(snapshots *snapshot.Store, revocations *revocation.Store, issuer *gateway.Issuer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{snapshots: snapshots, revocations: revocations, issuer: issuer, log: log, now: time.Now}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/v1/snapshots/", s.authenticated(s.handleSnapshot))
	s.mux.HandleFunc("/v1/revocations/", s.authenticated(s.handleRevocationByID))
	s.mux.HandleFunc("/v1/revocations", s.authenticated(s.handleRevocations))
	s.mux.Handle("/metrics", telemetry.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.issuer == nil {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.issuer.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

type envelopeWire struct {
	Ciphertext   []byte    `json:"ciphertext"`
	EphemeralPub []byte    `json:"ephemeralPub"`
	Signature    []byte    `json:"signature"`
	IssuerPubKey []byte    `json:"issuerPubKey"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/snapshots/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing capability id")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var wire envelopeWire
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			writeError(w, http.StatusBadRequest, "malformed envelope")
			return
		}
		entry := snapshot.Entry{
			CapabilityID: id,
			Ciphertext:   wire.Ciphertext,
			EphemeralPub: wire.EphemeralPub,
			Signature:    wire.Signature,
			IssuerPubKey: wire.IssuerPubKey,
			StoredAt:     s.now(),
			ExpiresAt:    wire.ExpiresAt,
		}
		if err := s.snapshots.Put(r.Context(), entry, s.now()); err != nil {
			writeOcmtError(w, err)
			return
		}
		telemetry.SnapshotSyncs.WithLabelValues("push", "success").Inc()
		writeJSON(w, http.StatusOK, wire)

	case http.MethodGet:
		entry, ok, err := s.snapshots.Get(r.Context(), id, s.now())
		if err != nil && !ocmterr.Is(err, ocmterr.CodeNoSnapshotAvailable) {
			writeOcmtError(w, err)
			return
		}
		if !ok {
			telemetry.SnapshotSyncs.WithLabelValues("fetch", "failure").Inc()
			writeError(w, http.StatusNotFound, "no snapshot available")
			return
		}
		telemetry.SnapshotSyncs.WithLabelValues("fetch", "success").Inc()
		writeJSON(w, http.StatusOK, envelopeWire{
			Ciphertext:   entry.Ciphertext,
			EphemeralPub: entry.EphemeralPub,
			Signature:    entry.Signature,
			IssuerPubKey: entry.IssuerPubKey,
			ExpiresAt:    entry.ExpiresAt,
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

type revocationCheckResponse struct {
	Revoked bool `json:"revoked"`
}

func (s *Server) handleRevocationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/revocations/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing capability id")
		return
	}
	_, revoked := s.revocations.IsRevoked(id)
	writeJSON(w, http.StatusOK, revocationCheckResponse{Revoked: revoked})
}

type revokeRequest struct {
	CapabilityID    string    `json:"capabilityId"`
	IssuerPublicKey string    `json:"issuerPublicKey"`
	OriginalExpiry  time.Time `json:"originalExpiry"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
	Signature       []byte    `json:"signature"`
}

func (s *Server) handleRevocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed revocation")
		return
	}

	sr := revocation.SignedRevocation{
		CapabilityID:    req.CapabilityID,
		IssuerPublicKey: req.IssuerPublicKey,
		OriginalExpiry:  req.OriginalExpiry,
		Reason:          req.Reason,
		Timestamp:       req.Timestamp,
		Signature:       req.Signature,
	}

	if _, err := s.revocations.Revoke(r.Context(), sr, verifySignedRevocation, s.now()); err != nil {
		writeOcmtError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// verifySignedRevocation checks a SignedRevocation's Ed25519 signature
// against the body the container signed in relayclient.SubmitRevocation.
func verifySignedRevocation(sr revocation.SignedRevocation) error {
	pub, err := capability.DecodePublicKey(sr.IssuerPublicKey)
	if err != nil {
		return ocmterr.Wrap(ocmterr.CodeBadSignature, "malformed issuer public key", err)
	}
	body := fmt.Sprintf("%s|%s|%d|%s", sr.CapabilityID, sr.IssuerPublicKey, sr.OriginalExpiry.Unix(), sr.Reason)
	if !ocmtcrypto.Verify(pub, []byte(body), sr.Signature) {
		return ocmterr.New(ocmterr.CodeBadSignature, "revocation signature does not verify")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeOcmtError(w http.ResponseWriter, err error) {
	switch {
	case ocmterr.Is(err, ocmterr.CodeExpired):
		writeError(w, http.StatusGone, err.Error())
	case ocmterr.Is(err, ocmterr.CodeBadSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case ocmterr.Is(err, ocmterr.CodeInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
