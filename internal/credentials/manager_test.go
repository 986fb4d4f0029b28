package credentials_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pawprint/modelswapper/internal/credentials"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/tier"
	"github.com/pawprint/modelswapper/pkg/models"
)

// 32 bytes of zeros, hex-encoded. Test key only.
const testKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"

const testSecret = "sk-test-ultra-secret-key"

func newManager(t *testing.T) (*credentials.Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	m, err := credentials.NewManager(s, testKeyHex, tier.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, s
}

func seedUserProvider(t *testing.T, s *store.MemoryStore, id, owner string, kind models.ProviderKind, endpoint string) {
	t.Helper()
	err := s.CreateProvider(context.Background(), &models.Provider{
		ID: id, Kind: kind, Scope: models.ScopeUser, OwnerID: owner,
		Endpoint: endpoint, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewManager_RejectsBadKeys(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	if _, err := credentials.NewManager(s, "not-hex", tier.Default()); err == nil {
		t.Error("NewManager() accepted a non-hex key")
	}
	if _, err := credentials.NewManager(s, "deadbeef", tier.Default()); err == nil {
		t.Error("NewManager() accepted a short key")
	}
}

func TestStore_TierGate(t *testing.T) {
	m, s := newManager(t)
	seedUserProvider(t, s, "u1-openai", "u1", models.ProviderOpenAI, "")

	_, err := m.Store(context.Background(), "u1", models.TierFree, "u1-openai", testSecret)
	if !errors.Is(err, credentials.ErrTierNotAllowed) {
		t.Fatalf("Store() error = %v, want ErrTierNotAllowed", err)
	}
}

func TestStore_ProviderOwnership(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u2-openai", "u2", models.ProviderOpenAI, "")

	// Another user's provider.
	_, err := m.Store(ctx, "u1", models.TierClawback, "u2-openai", testSecret)
	if err == nil {
		t.Fatal("Store() accepted a provider owned by a different user")
	}

	// System-scoped provider.
	err = s.CreateProvider(ctx, &models.Provider{
		ID: "sys-openai", Kind: models.ProviderOpenAI, Scope: models.ScopeSystem, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store(ctx, "u1", models.TierClawback, "sys-openai", testSecret); err == nil {
		t.Fatal("Store() accepted a system-scoped provider")
	}

	// Unknown provider.
	if _, err := m.Store(ctx, "u1", models.TierClawback, "ghost", testSecret); err == nil {
		t.Fatal("Store() accepted an unknown provider")
	}
}

func TestStore_EmptySecret(t *testing.T) {
	m, s := newManager(t)
	seedUserProvider(t, s, "u1-openai", "u1", models.ProviderOpenAI, "")

	if _, err := m.Store(context.Background(), "u1", models.TierClawback, "u1-openai", ""); err == nil {
		t.Fatal("Store() accepted an empty secret")
	}
}

func TestStore_EncryptsAtRest(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u1-openai", "u1", models.ProviderOpenAI, "")

	id, err := m.Store(ctx, "u1", models.TierClawback, "u1-openai", testSecret)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(cred.Ciphertext), testSecret) {
		t.Error("secret stored in plaintext")
	}
	if len(cred.Ciphertext) <= len(testSecret) {
		t.Errorf("ciphertext length %d, want nonce+sealed payload longer than the secret", len(cred.Ciphertext))
	}
}

func TestStore_ErrorsNeverLeakSecret(t *testing.T) {
	m, s := newManager(t)
	seedUserProvider(t, s, "u2-openai", "u2", models.ProviderOpenAI, "")

	_, err := m.Store(context.Background(), "u1", models.TierClawback, "u2-openai", testSecret)
	if err == nil {
		t.Fatal("want error")
	}
	if strings.Contains(err.Error(), testSecret) {
		t.Errorf("error message leaks the secret: %q", err)
	}
}

func TestVerify_OpenAI(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)

	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u1-compat", "u1", models.ProviderOpenAICompatible, srv.URL)

	id, err := m.Store(ctx, "u1", models.TierClawback, "u1-compat", testSecret)
	if err != nil {
		t.Fatal(err)
	}

	verified, err := m.Verify(ctx, id)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !verified {
		t.Error("Verify() = false, want true")
	}
	if gotAuth != "Bearer "+testSecret {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}

	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !cred.Verified || cred.LastVerifiedAt == nil {
		t.Error("verification result was not persisted")
	}
}

func TestVerify_RejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u1-compat", "u1", models.ProviderOpenAICompatible, srv.URL)

	id, err := m.Store(ctx, "u1", models.TierClawback, "u1-compat", testSecret)
	if err != nil {
		t.Fatal(err)
	}

	// A provider rejecting the key is a clean negative result, not an error.
	verified, err := m.Verify(ctx, id)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if verified {
		t.Error("Verify() = true for a rejected key")
	}

	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Verified {
		t.Error("rejected credential persisted as verified")
	}
}

func TestVerify_UnknownCredential(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Verify(context.Background(), "ghost")
	if err == nil {
		t.Fatal("Verify() = nil error for unknown credential")
	}
	if !store.IsNotFound(err) {
		t.Errorf("error = %v, want a wrapped not-found", err)
	}
}

func TestRevoke_DeactivatesOrphanedProvider(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u1-openai", "u1", models.ProviderOpenAI, "")

	id, err := m.Store(ctx, "u1", models.TierClawback, "u1-openai", testSecret)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Revoke(ctx, id); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if _, err := s.GetCredential(ctx, id); !store.IsNotFound(err) {
		t.Errorf("credential still present after revoke, err = %v", err)
	}

	p, err := s.GetProvider(ctx, "u1-openai")
	if err != nil {
		t.Fatal(err)
	}
	if p.Active {
		t.Error("provider still active after its last credential was revoked")
	}
}

func TestRevoke_KeepsProviderWithRemainingCredentials(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u1-openai", "u1", models.ProviderOpenAI, "")

	first, err := m.Store(ctx, "u1", models.TierClawback, "u1-openai", testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store(ctx, "u1", models.TierClawback, "u1-openai", "sk-second-key"); err != nil {
		t.Fatal(err)
	}

	if err := m.Revoke(ctx, first); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	p, err := s.GetProvider(ctx, "u1-openai")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Active {
		t.Error("provider deactivated while another credential remains")
	}
}

func TestList(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	seedUserProvider(t, s, "u1-openai", "u1", models.ProviderOpenAI, "")
	seedUserProvider(t, s, "u2-openai", "u2", models.ProviderOpenAI, "")

	if _, err := m.Store(ctx, "u1", models.TierClawback, "u1-openai", testSecret); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store(ctx, "u2", models.TierClawback, "u2-openai", "sk-other"); err != nil {
		t.Fatal(err)
	}

	creds, err := m.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("List() = %d credentials, want 1", len(creds))
	}
	if creds[0].UserID != "u1" {
		t.Errorf("UserID = %q, want u1", creds[0].UserID)
	}
}
