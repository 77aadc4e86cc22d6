// Package relayclient implements the container-side HTTP client used to
// push and fetch snapshot envelopes and submit/query revocations against
// a relay, satisfying pkg/sync's SnapshotPusher/SnapshotFetcher and
// pkg/capability's RevocationChecker interfaces (spec §4.6-4.7).
package relayclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/pkg/capability"
	"github.com/ocmtlabs/ocmt/pkg/sync"
)

// DefaultTimeout is the request timeout used when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the container-side relay client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against cfg, defaulting Timeout to DefaultTimeout.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type envelopeWire struct {
	Ciphertext   []byte    `json:"ciphertext"`
	EphemeralPub []byte    `json:"ephemeralPub"`
	Signature    []byte    `json:"signature"`
	IssuerPubKey []byte    `json:"issuerPubKey"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Push implements sync.SnapshotPusher.
func (c *Client) Push(ctx context.Context, capabilityID string, env sync.Envelope) error {
	wire := envelopeWire{
		Ciphertext:   env.Ciphertext,
		EphemeralPub: env.EphemeralPub,
		Signature:    env.Signature,
		IssuerPubKey: env.IssuerPubKey,
		ExpiresAt:    env.ExpiresAt,
	}
	var resp envelopeWire
	if err := c.doJSON(ctx, http.MethodPut, "/v1/snapshots/"+capabilityID, wire, &resp); err != nil {
		return err
	}
	return nil
}

// Fetch implements sync.SnapshotFetcher.
func (c *Client) Fetch(ctx context.Context, capabilityID string) (sync.Envelope, error) {
	var resp envelopeWire
	if err := c.doJSON(ctx, http.MethodGet, "/v1/snapshots/"+capabilityID, nil, &resp); err != nil {
		return sync.Envelope{}, err
	}
	return sync.Envelope{
		Ciphertext:   resp.Ciphertext,
		EphemeralPub: resp.EphemeralPub,
		Signature:    resp.Signature,
		IssuerPubKey: resp.IssuerPubKey,
		ExpiresAt:    resp.ExpiresAt,
	}, nil
}

type revocationCheckResponse struct {
	Revoked bool `json:"revoked"`
}

// IsRevoked implements capability.RevocationChecker and sync.RevocationChecker.
func (c *Client) IsRevoked(ctx context.Context, capabilityID string) (bool, error) {
	var resp revocationCheckResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/revocations/"+capabilityID, nil, &resp); err != nil {
		if ocmterr.Is(err, ocmterr.CodeNoSnapshotAvailable) {
			return false, nil
		}
		return false, err
	}
	return resp.Revoked, nil
}

type revokeRequest struct {
	CapabilityID    string    `json:"capabilityId"`
	IssuerPublicKey string    `json:"issuerPublicKey"`
	OriginalExpiry  time.Time `json:"originalExpiry"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
	Signature       []byte    `json:"signature"`
}

// SubmitRevocation signs capabilityID's revocation with priv and submits
// it to the relay.
func (c *Client) SubmitRevocation(ctx context.Context, priv ed25519.PrivateKey, capabilityID, reason string, originalExpiry time.Time) error {
	issuerPub := capability.EncodePublicKey(priv.Public().(ed25519.PublicKey))
	now := time.Now()
	body := fmt.Sprintf("%s|%s|%d|%s", capabilityID, issuerPub, originalExpiry.Unix(), reason)
	sig := ocmtcrypto.Sign(priv, []byte(body))

	req := revokeRequest{
		CapabilityID:    capabilityID,
		IssuerPublicKey: issuerPub,
		OriginalExpiry:  originalExpiry,
		Reason:          reason,
		Timestamp:       now,
		Signature:       sig,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/revocations", req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relayclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("relayclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ocmterr.Wrap(ocmterr.CodeRelayUnreachable, "relay request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ocmterr.New(ocmterr.CodeNoSnapshotAvailable, "relay has no record for this id")
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return ocmterr.New(ocmterr.CodeNetworkError, fmt.Sprintf("relay returned %d: %s", resp.StatusCode, string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relayclient: decode response: %w", err)
	}
	return nil
}
