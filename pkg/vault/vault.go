// Package vault implements the at-rest encrypted blob holding a
// container's integrations, issued/received capability bookkeeping, and
// its long-lived Ed25519 identity keypair (spec §4.2). The file is a
// single authenticated blob; callers interact with it only while it is
// unlocked.
package vault

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
	"github.com/ocmtlabs/ocmt/internal/ocmterr"
)

const formatVersion = 1

const minPasswordLen = 8

// Integration is a stored set of credentials for a single provider.
type Integration struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Email        string    `json:"email,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// IntegrationSummary is the listing view: never the raw tokens.
type IntegrationSummary struct {
	Provider  string    `json:"provider"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssuedCapability is the issuer-side bookkeeping record for a capability
// this container has signed for someone else.
type IssuedCapability struct {
	SubjectPublicKey  string     `json:"subjectPublicKey"`
	Resource          string     `json:"resource"`
	Scope             []string   `json:"scope"`
	Tier              string     `json:"tier"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	CreatedAt         time.Time  `json:"createdAt"`
	Revoked           bool       `json:"revoked,omitempty"`
	LastSnapshotAt    *time.Time `json:"lastSnapshotAt,omitempty"`
	NextSnapshotDueAt *time.Time `json:"nextSnapshotDueAt,omitempty"`
}

// ReceivedCapability is the subject-side bookkeeping record for a
// capability handed to this container by another issuer.
type ReceivedCapability struct {
	IssuerContainerID       string    `json:"issuerContainerId"`
	IssuerPublicKey         string    `json:"issuerPublicKey"`
	Token                   string    `json:"token"`
	Resource                string    `json:"resource"`
	Scope                   []string  `json:"scope"`
	Tier                    string    `json:"tier"`
	ExpiresAt               time.Time `json:"expiresAt"`
	LocalSnapshotCiphertext []byte    `json:"localSnapshotCiphertext,omitempty"`
	LocalSnapshotMeta       string    `json:"localSnapshotMeta,omitempty"`
}

type plaintextDoc struct {
	IdentityPrivateKey   string                        `json:"identityPrivateKey"`
	IdentityPublicKey    string                        `json:"identityPublicKey"`
	Integrations         map[string]Integration         `json:"integrations"`
	IssuedCapabilities   map[string]IssuedCapability    `json:"issuedCapabilities"`
	ReceivedCapabilities map[string]ReceivedCapability  `json:"receivedCapabilities"`
}

type fileHeader struct {
	FormatVersion int                  `json:"formatVersion"`
	KDF           ocmtcrypto.KDFParams `json:"kdf"`
	Salt          string               `json:"salt"`
	Sealed        string               `json:"sealed"`
}

// Vault guards one encrypted blob on disk plus its decrypted in-memory
// state while unlocked. The exclusive lock in §5 ("the vault's mutable
// in-memory map is guarded by a single exclusive lock") is this mutex.
type Vault struct {
	path string

	mu       sync.RWMutex
	unlocked bool

	kdf     ocmtcrypto.KDFParams
	salt    []byte
	wrapKey []byte // live only while unlocked; re-derived on Unlock, zeroed on Lock

	identityPriv ed25519.PrivateKey
	identityPub  ed25519.PublicKey
	integrations map[string]Integration
	issued       map[string]IssuedCapability
	received     map[string]ReceivedCapability
}

// New returns a Vault bound to path, without reading or creating it.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Initialized reports whether the backing file already exists.
func (v *Vault) Initialized() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Initialize draws fresh salt and identity keypair, derives the wrap key,
// and writes the encrypted vault file. It never re-initializes an existing
// vault (spec: "identityPrivateKey is set exactly once per vault lifetime").
func (v *Vault) Initialize(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Initialized() {
		return ocmterr.New(ocmterr.CodeAlreadyInitialized, "vault already initialized")
	}
	if len(password) < minPasswordLen {
		return ocmterr.New(ocmterr.CodeWeakPassword, "password must be at least 8 characters")
	}

	salt, err := ocmtcrypto.NewSalt()
	if err != nil {
		return err
	}
	pub, priv, err := ocmtcrypto.GenerateEd25519()
	if err != nil {
		return err
	}
	kdf := ocmtcrypto.DefaultKDFParams()
	key, err := ocmtcrypto.DeriveKey([]byte(password), salt, kdf)
	if err != nil {
		return err
	}

	doc := plaintextDoc{
		IdentityPrivateKey:   base64.RawURLEncoding.EncodeToString(priv.Seed()),
		IdentityPublicKey:    base64.RawURLEncoding.EncodeToString(pub),
		Integrations:         map[string]Integration{},
		IssuedCapabilities:   map[string]IssuedCapability{},
		ReceivedCapabilities: map[string]ReceivedCapability{},
	}
	if err := v.writeDoc(doc, salt, kdf, key); err != nil {
		return err
	}

	v.kdf = kdf
	v.salt = salt
	v.wrapKey = key
	v.identityPriv = priv
	v.identityPub = pub
	v.integrations = doc.Integrations
	v.issued = doc.IssuedCapabilities
	v.received = doc.ReceivedCapabilities
	v.unlocked = true
	return nil
}

// Unlock re-derives the wrap key from password and the stored KDF
// parameters, then attempts AEAD decryption. AEAD failure is treated as an
// invalid password (spec §4.2): the caller never learns whether the file
// was corrupted or the password was simply wrong.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.Initialized() {
		return ocmterr.New(ocmterr.CodeNotInitialized, "vault has not been initialized")
	}

	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("vault: read: %w", err)
	}
	var hdr fileHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return fmt.Errorf("vault: corrupt header: %w", err)
	}
	salt, err := base64.RawURLEncoding.DecodeString(hdr.Salt)
	if err != nil {
		return fmt.Errorf("vault: corrupt salt: %w", err)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(hdr.Sealed)
	if err != nil {
		return fmt.Errorf("vault: corrupt ciphertext: %w", err)
	}

	key, err := ocmtcrypto.DeriveKey([]byte(password), salt, hdr.KDF)
	if err != nil {
		return err
	}

	plaintext, err := ocmtcrypto.OpenXChaCha20Poly1305(key, sealed, nil)
	if err != nil {
		ocmtcrypto.Zero(key)
		return ocmterr.New(ocmterr.CodeInvalidPassword, "incorrect password")
	}
	defer ocmtcrypto.Zero(plaintext)

	var doc plaintextDoc
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		ocmtcrypto.Zero(key)
		return fmt.Errorf("vault: corrupt plaintext: %w", err)
	}

	seed, err := base64.RawURLEncoding.DecodeString(doc.IdentityPrivateKey)
	if err != nil {
		ocmtcrypto.Zero(key)
		return fmt.Errorf("vault: corrupt identity seed: %w", err)
	}
	priv, err := ocmtcrypto.Ed25519FromSeed(seed)
	if err != nil {
		ocmtcrypto.Zero(key)
		return err
	}
	pub, err := base64.RawURLEncoding.DecodeString(doc.IdentityPublicKey)
	if err != nil {
		ocmtcrypto.Zero(key)
		return fmt.Errorf("vault: corrupt identity pub: %w", err)
	}

	v.kdf = hdr.KDF
	v.salt = salt
	v.wrapKey = key
	v.identityPriv = priv
	v.identityPub = pub
	v.integrations = nonNilIntegrations(doc.Integrations)
	v.issued = nonNilIssued(doc.IssuedCapabilities)
	v.received = nonNilReceived(doc.ReceivedCapabilities)
	v.unlocked = true
	return nil
}

// Lock zeroizes all decrypted state. No plaintext of any kind survives a
// lock call.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked()
}

func (v *Vault) lockLocked() {
	if v.identityPriv != nil {
		ocmtcrypto.ZeroEd25519Private(v.identityPriv)
	}
	if v.wrapKey != nil {
		ocmtcrypto.Zero(v.wrapKey)
	}
	v.wrapKey = nil
	v.identityPriv = nil
	v.identityPub = nil
	v.integrations = nil
	v.issued = nil
	v.received = nil
	v.unlocked = false
}

// IsUnlocked reports whether the vault currently holds decrypted state.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unlocked
}

// IdentityPublicKey returns the container's identity public key; nil while
// locked.
func (v *Vault) IdentityPublicKey() ed25519.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil
	}
	return append(ed25519.PublicKey(nil), v.identityPub...)
}

// IdentityPrivateKey returns a reference to the live private key for signing.
// Callers must not retain it past the current operation (spec §5: the
// derived key "is exposed only as a reference during a single operation").
func (v *Vault) IdentityPrivateKey() (ed25519.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	return v.identityPriv, nil
}

// SetIntegration stores or overwrites a provider's credentials.
func (v *Vault) SetIntegration(provider string, payload Integration) error {
	if provider == "" || payload.AccessToken == "" {
		return ocmterr.New(ocmterr.CodeInvalidPayload, "provider and accessToken are required")
	}
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	v.integrations[provider] = payload
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()

	return v.writeDoc(snapshot, salt, kdf, key)
}

// GetIntegration returns the stored record for provider, or ok=false.
func (v *Vault) GetIntegration(provider string) (Integration, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return Integration{}, false, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	i, ok := v.integrations[provider]
	return i, ok, nil
}

// ListIntegrations returns summaries (never raw tokens).
func (v *Vault) ListIntegrations() ([]IntegrationSummary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	out := make([]IntegrationSummary, 0, len(v.integrations))
	for provider, i := range v.integrations {
		out = append(out, IntegrationSummary{Provider: provider, Email: i.Email, ExpiresAt: i.ExpiresAt})
	}
	return out, nil
}

// RemoveIntegration deletes a provider's credentials, if present.
func (v *Vault) RemoveIntegration(provider string) error {
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	delete(v.integrations, provider)
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()

	return v.writeDoc(snapshot, salt, kdf, key)
}

// PutIssuedCapability records a newly issued capability.
func (v *Vault) PutIssuedCapability(id string, rec IssuedCapability) error {
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	v.issued[id] = rec
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()
	return v.writeDoc(snapshot, salt, kdf, key)
}

// GetIssuedCapability returns an issued-side record.
func (v *Vault) GetIssuedCapability(id string) (IssuedCapability, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return IssuedCapability{}, false, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	rec, ok := v.issued[id]
	return rec, ok, nil
}

// ListIssuedCapabilities returns a copy of every issued-side record keyed by id.
func (v *Vault) ListIssuedCapabilities() (map[string]IssuedCapability, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	out := make(map[string]IssuedCapability, len(v.issued))
	for k, val := range v.issued {
		out[k] = val
	}
	return out, nil
}

// MarkIssuedRevoked sets the revoked flag, which is monotonic: once true it
// is never cleared again (spec §3 invariant).
func (v *Vault) MarkIssuedRevoked(id string) error {
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	rec, ok := v.issued[id]
	if !ok {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeInvalidPayload, "unknown capability id")
	}
	if rec.Revoked {
		v.mu.Unlock()
		return nil // idempotent, no write needed
	}
	rec.Revoked = true
	v.issued[id] = rec
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()
	return v.writeDoc(snapshot, salt, kdf, key)
}

// UpdateIssuedSnapshotSchedule bumps the last/next snapshot timestamps for
// a CACHED issued capability after a successful sync push.
func (v *Vault) UpdateIssuedSnapshotSchedule(id string, lastSnapshotAt, nextSnapshotDueAt time.Time) error {
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	rec, ok := v.issued[id]
	if !ok {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeInvalidPayload, "unknown capability id")
	}
	rec.LastSnapshotAt = &lastSnapshotAt
	rec.NextSnapshotDueAt = &nextSnapshotDueAt
	v.issued[id] = rec
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()
	return v.writeDoc(snapshot, salt, kdf, key)
}

// PutReceivedCapability stores a capability handed to this container.
func (v *Vault) PutReceivedCapability(id string, rec ReceivedCapability) error {
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	v.received[id] = rec
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()
	return v.writeDoc(snapshot, salt, kdf, key)
}

// GetReceivedCapability returns a received-side record.
func (v *Vault) GetReceivedCapability(id string) (ReceivedCapability, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return ReceivedCapability{}, false, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	rec, ok := v.received[id]
	return rec, ok, nil
}

// ListReceivedCapabilities returns a copy of every received-side record.
func (v *Vault) ListReceivedCapabilities() (map[string]ReceivedCapability, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	out := make(map[string]ReceivedCapability, len(v.received))
	for k, val := range v.received {
		out[k] = val
	}
	return out, nil
}

// UpdateReceivedSnapshot stores a freshly fetched-and-decrypted snapshot
// bound to a received CACHED capability.
func (v *Vault) UpdateReceivedSnapshot(id string, ciphertext []byte, meta string) error {
	v.mu.Lock()
	if !v.unlocked {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeLocked, "vault is locked")
	}
	rec, ok := v.received[id]
	if !ok {
		v.mu.Unlock()
		return ocmterr.New(ocmterr.CodeInvalidPayload, "unknown capability id")
	}
	rec.LocalSnapshotCiphertext = ciphertext
	rec.LocalSnapshotMeta = meta
	v.received[id] = rec
	snapshot, salt, kdf, key := v.snapshotDocLocked()
	v.mu.Unlock()
	return v.writeDoc(snapshot, salt, kdf, key)
}

// snapshotDocLocked copies the current in-memory state plus the live wrap
// key/salt/kdf needed to re-persist it. Caller must hold v.mu.
func (v *Vault) snapshotDocLocked() (plaintextDoc, []byte, ocmtcrypto.KDFParams, []byte) {
	doc := plaintextDoc{
		IdentityPrivateKey:   base64.RawURLEncoding.EncodeToString(v.identityPriv.Seed()),
		IdentityPublicKey:    base64.RawURLEncoding.EncodeToString(v.identityPub),
		Integrations:         make(map[string]Integration, len(v.integrations)),
		IssuedCapabilities:   make(map[string]IssuedCapability, len(v.issued)),
		ReceivedCapabilities: make(map[string]ReceivedCapability, len(v.received)),
	}
	for k, val := range v.integrations {
		doc.Integrations[k] = val
	}
	for k, val := range v.issued {
		doc.IssuedCapabilities[k] = val
	}
	for k, val := range v.received {
		doc.ReceivedCapabilities[k] = val
	}
	return doc, v.salt, v.kdf, v.wrapKey
}

// writeDoc seals doc under key with a fresh nonce and writes the vault file
// atomically (write-to-temp + rename), owner-only permissions.
func (v *Vault) writeDoc(doc plaintextDoc, salt []byte, kdf ocmtcrypto.KDFParams, key []byte) error {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}
	sealed, err := ocmtcrypto.SealXChaCha20Poly1305(key, plaintext, nil)
	if err != nil {
		return err
	}
	hdr := fileHeader{
		FormatVersion: formatVersion,
		KDF:           kdf,
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		Sealed:        base64.RawURLEncoding.EncodeToString(sealed),
	}
	out, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("vault: marshal header: %w", err)
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, v.path); err != nil {
		return fmt.Errorf("vault: rename: %w", err)
	}
	return nil
}

func nonNilIntegrations(m map[string]Integration) map[string]Integration {
	if m == nil {
		return map[string]Integration{}
	}
	return m
}

func nonNilIssued(m map[string]IssuedCapability) map[string]IssuedCapability {
	if m == nil {
		return map[string]IssuedCapability{}
	}
	return m
}

func nonNilReceived(m map[string]ReceivedCapability) map[string]ReceivedCapability {
	if m == nil {
		return map[string]ReceivedCapability{}
	}
	return m
}
