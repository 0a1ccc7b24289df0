package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/logging"
	"golang.org/x/crypto/bcrypt"
)

// API key prefix and the length of the stored lookup prefix ("ek_" + 8 hex chars).
const (
	apiKeyPrefix    = "ek_"
	apiKeyPrefixLen = 11
)

// Permissions
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
)

// ErrKeyNotFound is returned for an unknown key id.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey is a stored API key. Requests made with the key act as Address.
type APIKey struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Address     common.Address `json:"address"`
	KeyHash     string         `json:"key_hash"`   // bcrypt hash of the key
	KeyPrefix   string         `json:"key_prefix"` // for identification
	Permissions []string       `json:"permissions"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at,omitempty"`
	LastUsedAt  time.Time      `json:"last_used_at,omitempty"`
	Enabled     bool           `json:"enabled"`
}

// HasPermission reports whether the key grants perm. Admin implies everything.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}

// APIKeyManager manages API keys
type APIKeyManager struct {
	keys     map[string]*APIKey // keyed by ID
	prefixes map[string]string  // prefix -> ID
	mu       sync.RWMutex
	filePath string
}

// NewAPIKeyManager creates a key manager persisted at filePath.
func NewAPIKeyManager(filePath string) (*APIKeyManager, error) {
	m := &APIKeyManager{
		keys:     make(map[string]*APIKey),
		prefixes: make(map[string]string),
		filePath: filePath,
	}

	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load API keys: %w", err)
	}

	return m, nil
}

// NewAPIKeyManagerInMemory creates a key manager that is never persisted.
func NewAPIKeyManagerInMemory() *APIKeyManager {
	return &APIKeyManager{
		keys:     make(map[string]*APIKey),
		prefixes: make(map[string]string),
	}
}

func (m *APIKeyManager) load() error {
	if m.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return err
	}

	var keys []*APIKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.keys[key.ID] = key
		m.prefixes[key.KeyPrefix] = key.ID
	}

	return nil
}

// saveLocked writes the key file. The caller holds m.mu.
func (m *APIKeyManager) saveLocked() error {
	if m.filePath == "" {
		return nil
	}

	keys := make([]*APIKey, 0, len(m.keys))
	for _, key := range m.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.filePath, data, 0600)
}

// CreateKey creates a key bound to address. The plain key is only returned here.
func (m *APIKeyManager) CreateKey(name string, address common.Address, permissions []string, expiresInDays int) (*APIKey, string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	plainKey := apiKeyPrefix + hex.EncodeToString(keyBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key: %w", err)
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate key id: %w", err)
	}
	id := hex.EncodeToString(idBytes)

	key := &APIKey{
		ID:          id,
		Name:        name,
		Address:     address,
		KeyHash:     string(hash),
		KeyPrefix:   plainKey[:apiKeyPrefixLen],
		Permissions: permissions,
		CreatedAt:   time.Now(),
		Enabled:     true,
	}
	if expiresInDays > 0 {
		key.ExpiresAt = time.Now().AddDate(0, 0, expiresInDays)
	}

	m.mu.Lock()
	m.keys[id] = key
	m.prefixes[key.KeyPrefix] = id
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		logging.Warn("failed to save API keys",
			"error", err.Error(),
			logging.Component("api"))
	}

	logging.Info("API key created",
		"key_id", id,
		"name", name,
		"prefix", key.KeyPrefix,
		logging.Address("address", address),
		logging.Component("api"))

	return key, plainKey, nil
}

// ValidateKey returns the key record for a presented plain key if it is
// enabled, unexpired and matches its stored hash.
func (m *APIKeyManager) ValidateKey(plain string) (*APIKey, bool) {
	if len(plain) < apiKeyPrefixLen {
		return nil, false
	}

	m.mu.RLock()
	id, exists := m.prefixes[plain[:apiKeyPrefixLen]]
	var key *APIKey
	if exists {
		key = m.keys[id]
	}
	m.mu.RUnlock()

	if key == nil || !key.Enabled {
		return nil, false
	}
	if !key.ExpiresAt.IsZero() && time.Now().After(key.ExpiresAt) {
		return nil, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plain)); err != nil {
		return nil, false
	}

	m.mu.Lock()
	key.LastUsedAt = time.Now()
	out := *key
	m.mu.Unlock()

	return &out, true
}

// ListKeys returns all keys ordered by creation time.
func (m *APIKeyManager) ListKeys() []APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]APIKey, 0, len(m.keys))
	for _, key := range m.keys {
		keys = append(keys, *key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys
}

// RevokeKey disables a key
func (m *APIKeyManager) RevokeKey(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.keys[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	key.Enabled = false

	if err := m.saveLocked(); err != nil {
		return err
	}

	logging.Info("API key revoked",
		"key_id", id,
		"name", key.Name,
		logging.Component("api"))
	return nil
}

// DeleteKey permanently deletes a key
func (m *APIKeyManager) DeleteKey(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.keys[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}

	delete(m.prefixes, key.KeyPrefix)
	delete(m.keys, id)

	if err := m.saveLocked(); err != nil {
		return err
	}

	logging.Info("API key deleted",
		"key_id", id,
		"name", key.Name,
		logging.Component("api"))
	return nil
}

// CountByStatus returns (total, active, revoked) key counts
func (m *APIKeyManager) CountByStatus() (total, active, revoked int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total = len(m.keys)
	for _, key := range m.keys {
		if key.Enabled {
			active++
		} else {
			revoked++
		}
	}
	return
}
