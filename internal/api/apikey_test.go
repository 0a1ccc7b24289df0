package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moltbunker/escrowd/internal/config"
	"github.com/moltbunker/escrowd/pkg/types"
)

func TestAPIKeyManager_CreateValidateRevoke(t *testing.T) {
	m := NewAPIKeyManagerInMemory()

	key, plain, err := m.CreateKey("router", router, []string{PermWrite}, 0)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if !strings.HasPrefix(plain, apiKeyPrefix) || key.KeyPrefix != plain[:apiKeyPrefixLen] {
		t.Fatalf("unexpected key %q prefix %q", plain, key.KeyPrefix)
	}

	got, ok := m.ValidateKey(plain)
	if !ok || got.Address != router {
		t.Fatalf("ValidateKey = %+v, %v", got, ok)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("expected LastUsedAt to be set")
	}
	if !got.HasPermission(PermWrite) || got.HasPermission(PermAdmin) {
		t.Errorf("permissions %v", got.Permissions)
	}

	tampered := plain[:len(plain)-1] + "0"
	if strings.HasSuffix(plain, "0") {
		tampered = plain[:len(plain)-1] + "1"
	}
	if _, ok := m.ValidateKey(tampered); ok {
		t.Error("expected a tampered key to be rejected")
	}

	if err := m.RevokeKey(key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, ok := m.ValidateKey(plain); ok {
		t.Error("expected revoked key to be rejected")
	}
	if total, active, revoked := m.CountByStatus(); total != 1 || active != 0 || revoked != 1 {
		t.Errorf("counts %d/%d/%d", total, active, revoked)
	}

	if err := m.DeleteKey(key.ID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if err := m.DeleteKey(key.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestAPIKeyManager_Expiry(t *testing.T) {
	m := NewAPIKeyManagerInMemory()
	key, plain, err := m.CreateKey("old", router, []string{PermRead}, 1)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	m.mu.Lock()
	m.keys[key.ID].ExpiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	if _, ok := m.ValidateKey(plain); ok {
		t.Error("expected expired key to be rejected")
	}
}

func TestAPIKeyManager_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")

	m, err := NewAPIKeyManager(path)
	if err != nil {
		t.Fatalf("NewAPIKeyManager: %v", err)
	}
	_, plain, err := m.CreateKey("ops", manager, []string{PermAdmin}, 0)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	reloaded, err := NewAPIKeyManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.ValidateKey(plain)
	if !ok || got.Address != manager || !got.HasPermission(PermWrite) {
		t.Errorf("reloaded key %+v, %v", got, ok)
	}
}

func TestAPIKeyAdminFlow(t *testing.T) {
	adminKey, admin := newKey(t)
	env := newTestEnv(t, func(c *config.APIConfig) {
		c.AuthEnabled = true
		c.AdminWallets = []string{admin.Hex()}
	})

	signed := func(method, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		msg := InlineAuthMessage(time.Now())
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(HeaderWalletAddress, admin.Hex())
		req.Header.Set(HeaderWalletSignature, sign(t, adminKey, msg))
		req.Header.Set(HeaderWalletMessage, msg)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec
	}
	withKey := func(method, path, key, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(APIKeyHeader, key)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := signed(http.MethodPost, "/v1/api-keys", `{"name":"router-ro","address":"`+router.Hex()+`","permissions":["read"]}`)
	expectStatus(t, rec, http.StatusCreated)
	readOnly := decodeBody[types.CreateAPIKeyResponse](t, rec)

	rec = withKey(http.MethodGet, "/v1/records", readOnly.Key, "")
	expectStatus(t, rec, http.StatusOK)

	deposit := `{"service_id":1,"payer":"` + payer.Hex() + `","asset":"` + tokenA.Hex() + `","principal":"5"}`
	rec = withKey(http.MethodPost, "/v1/deposits", readOnly.Key, deposit)
	expectStatus(t, rec, http.StatusForbidden)

	rec = signed(http.MethodPost, "/v1/api-keys", `{"name":"router-rw","address":"`+router.Hex()+`","permissions":["write"]}`)
	expectStatus(t, rec, http.StatusCreated)
	writer := decodeBody[types.CreateAPIKeyResponse](t, rec)

	rec = withKey(http.MethodPost, "/v1/deposits", "", "")
	expectStatus(t, rec, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodPost, "/v1/deposits", strings.NewReader(deposit))
	req.Header.Set("Authorization", "Bearer "+writer.Key)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusCreated)

	// Key holders without admin cannot manage keys.
	rec = withKey(http.MethodGet, "/v1/api-keys", writer.Key, "")
	expectStatus(t, rec, http.StatusForbidden)

	rec = signed(http.MethodGet, "/v1/api-keys", "")
	expectStatus(t, rec, http.StatusOK)
	keys := decodeBody[[]APIKey](t, rec)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.KeyHash != "" {
			t.Errorf("key %s leaked its hash", k.ID)
		}
	}

	rec = signed(http.MethodPost, "/v1/api-keys/"+writer.ID+"/revoke", "")
	expectStatus(t, rec, http.StatusNoContent)
	rec = withKey(http.MethodPost, "/v1/deposits", writer.Key, deposit)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = signed(http.MethodDelete, "/v1/api-keys/unknown", "")
	expectStatus(t, rec, http.StatusNotFound)
}
