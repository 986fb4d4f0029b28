// Package credentials manages user-supplied provider API keys for the
// tiers that may bring their own. Secrets are AES-GCM encrypted at rest,
// scoped strictly to the owning user, and verified with a cheap provider
// metadata call that spends nothing from the user's model budget.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/tier"
	"github.com/pawprint/modelswapper/pkg/models"
)

// CredentialError wraps credential store/verify failures. The credential
// value itself never appears in the message chain.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string {
	return "credential " + e.Op + ": " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ErrTierNotAllowed is returned when the user's tier may not supply
// its own credentials.
var ErrTierNotAllowed = errors.New("tier does not permit user-supplied credentials")

// Store is the storage subset the manager needs.
type Store interface {
	store.CredentialStore
	store.CatalogStore
}

// Manager stores, verifies, and revokes user credentials.
type Manager struct {
	store     Store
	aead      cipher.AEAD
	tiers     *tier.Table
	verifiers map[models.ProviderKind]verifier
}

// NewManager creates a credential manager. keyHex is the hex-encoded
// 32-byte AES key for encryption at rest.
func NewManager(s Store, keyHex string, tiers *tier.Table) (*Manager, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	return &Manager{
		store: s,
		aead:  aead,
		tiers: tiers,
		verifiers: map[models.ProviderKind]verifier{
			models.ProviderOpenAI:           &openAIVerifier{client: client},
			models.ProviderOpenAICompatible: &openAIVerifier{client: client},
			models.ProviderAnthropic:        &anthropicVerifier{client: client},
			models.ProviderOllama:           &ollamaVerifier{client: client},
		},
	}, nil
}

// Store encrypts and persists a user's provider credential. The provider
// must be a user-scoped provider owned by the same user, and the tier must
// permit bringing credentials.
func (m *Manager) Store(ctx context.Context, userID string, userTier models.Tier, providerID, secret string) (string, error) {
	policy, err := m.tiers.Policy(userTier)
	if err != nil {
		return "", err
	}
	if !policy.AllowUserCredentials {
		return "", ErrTierNotAllowed
	}
	if secret == "" {
		return "", &CredentialError{Op: "store", Err: errors.New("empty secret")}
	}

	provider, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return "", &CredentialError{Op: "store", Err: err}
	}
	if provider.Scope != models.ScopeUser || provider.OwnerID != userID {
		return "", &CredentialError{Op: "store", Err: errors.New("provider is not owned by this user")}
	}

	ciphertext, err := m.encrypt([]byte(secret))
	if err != nil {
		return "", &CredentialError{Op: "store", Err: err}
	}

	cred := &models.UserCredential{
		ID:         uuid.New().String(),
		UserID:     userID,
		ProviderID: providerID,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return "", &CredentialError{Op: "store", Err: err}
	}

	log.Info().Str("credential", cred.ID).Str("provider", providerID).Str("user", userID).Msg("Credential stored")
	return cred.ID, nil
}

// Verify performs a lightweight capability check against the provider
// (model listing or equivalent) and records the result.
func (m *Manager) Verify(ctx context.Context, credentialID string) (bool, error) {
	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return false, &CredentialError{Op: "verify", Err: err}
	}
	provider, err := m.store.GetProvider(ctx, cred.ProviderID)
	if err != nil {
		return false, &CredentialError{Op: "verify", Err: err}
	}

	v, ok := m.verifiers[provider.Kind]
	if !ok {
		return false, &CredentialError{Op: "verify", Err: fmt.Errorf("no verifier for provider kind %q", provider.Kind)}
	}

	secret, err := m.decrypt(cred.Ciphertext)
	if err != nil {
		return false, &CredentialError{Op: "verify", Err: errors.New("ciphertext corrupt")}
	}

	verifyErr := v.Verify(ctx, provider.Endpoint, string(secret))
	cred.Verified = verifyErr == nil
	now := time.Now().UTC()
	cred.LastVerifiedAt = &now
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return cred.Verified, &CredentialError{Op: "verify", Err: err}
	}

	if verifyErr != nil {
		log.Warn().Str("credential", credentialID).Str("kind", string(provider.Kind)).Msg("Credential verification failed")
		return false, nil
	}
	return true, nil
}

// Revoke deletes the credential immediately. When it was the provider's
// last credential, the provider is deactivated so the selector stops
// considering it on the very next request.
func (m *Manager) Revoke(ctx context.Context, credentialID string) error {
	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return &CredentialError{Op: "revoke", Err: err}
	}
	if err := m.store.DeleteCredential(ctx, credentialID); err != nil {
		return &CredentialError{Op: "revoke", Err: err}
	}

	remaining, err := m.store.ListCredentials(ctx, cred.UserID)
	if err == nil {
		inUse := false
		for _, c := range remaining {
			if c.ProviderID == cred.ProviderID {
				inUse = true
				break
			}
		}
		if !inUse {
			if provider, perr := m.store.GetProvider(ctx, cred.ProviderID); perr == nil && provider.Scope == models.ScopeUser {
				provider.Active = false
				if uerr := m.store.UpdateProvider(ctx, provider); uerr != nil {
					log.Warn().Err(uerr).Str("provider", provider.ID).Msg("Failed to deactivate provider after revocation")
				}
			}
		}
	}

	log.Info().Str("credential", credentialID).Msg("Credential revoked")
	return nil
}

// List returns the user's credentials (ciphertext never serialized).
func (m *Manager) List(ctx context.Context, userID string) ([]models.UserCredential, error) {
	creds, err := m.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, &CredentialError{Op: "list", Err: err}
	}
	return creds, nil
}

func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) decrypt(ciphertext []byte) ([]byte, error) {
	ns := m.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return m.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}
