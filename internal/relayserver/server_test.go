package relayserver_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
	"github.com/ocmtlabs/ocmt/internal/gateway"
	"github.com/ocmtlabs/ocmt/internal/relayserver"
	"github.com/ocmtlabs/ocmt/pkg/capability"
	"github.com/ocmtlabs/ocmt/pkg/revocation"
	"github.com/ocmtlabs/ocmt/pkg/snapshot"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	snapStore, err := snapshot.NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	require.NoError(t, err)
	t.Cleanup(func() { snapStore.Close() })

	revStore := revocation.NewStore()
	srv := relayserver.New(snapStore, revStore, nil, nil)
	return httptest.NewServer(srv)
}

type envelopeWire struct {
	Ciphertext   []byte    `json:"ciphertext"`
	EphemeralPub []byte    `json:"ephemeralPub"`
	Signature    []byte    `json:"signature"`
	IssuerPubKey []byte    `json:"issuerPubKey"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func TestPushThenFetchSnapshot(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	wire := envelopeWire{Ciphertext: []byte("sealed"), EphemeralPub: []byte("ephemeral-pub-bytes"), ExpiresAt: time.Now().Add(time.Hour)}
	body, err := json.Marshal(wire)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/snapshots/cap-1", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/v1/snapshots/cap-1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var got envelopeWire
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, wire.Ciphertext, got.Ciphertext)
}

func TestFetchUnknownSnapshotReturns404(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/snapshots/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitThenCheckRevocation(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	issuerPub := capability.EncodePublicKey(pub)
	originalExpiry := time.Now().Add(time.Hour)
	revBody := fmt.Sprintf("%s|%s|%d|%s", "cap-9", issuerPub, originalExpiry.Unix(), "user requested")
	sig := ocmtcrypto.Sign(priv, []byte(revBody))

	req := map[string]interface{}{
		"capabilityId":    "cap-9",
		"issuerPublicKey": issuerPub,
		"originalExpiry":  originalExpiry,
		"reason":          "user requested",
		"timestamp":       time.Now(),
		"signature":       sig,
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/revocations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	checkResp, err := http.Get(ts.URL + "/v1/revocations/cap-9")
	require.NoError(t, err)
	defer checkResp.Body.Close()

	var got struct {
		Revoked bool `json:"revoked"`
	}
	require.NoError(t, json.NewDecoder(checkResp.Body).Decode(&got))
	assert.True(t, got.Revoked)
}

func TestRevocationRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	req := map[string]interface{}{
		"capabilityId":    "cap-10",
		"issuerPublicKey": capability.EncodePublicKey(pub),
		"originalExpiry":  time.Now().Add(time.Hour),
		"reason":          "tampered",
		"timestamp":       time.Now(),
		"signature":       []byte("not-a-real-signature-0000000000"),
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/revocations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnauthenticatedRequestRejectedWhenIssuerConfigured(t *testing.T) {
	snapStore, err := snapshot.NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	require.NoError(t, err)
	defer snapStore.Close()
	revStore := revocation.NewStore()
	issuer, err := gateway.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)

	srv := relayserver.New(snapStore, revStore, issuer, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/snapshots/cap-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthenticatedRequestSucceedsWithValidToken(t *testing.T) {
	snapStore, err := snapshot.NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	require.NoError(t, err)
	defer snapStore.Close()
	revStore := revocation.NewStore()
	issuer, err := gateway.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)

	srv := relayserver.New(snapStore, revStore, issuer, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	token, err := issuer.IssueToken("container-1")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/snapshots/missing", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
