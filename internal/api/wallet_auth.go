package api

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/moltbunker/escrowd/internal/logging"
)

// InlineAuthPrefix starts every message signed for stateless requests.
// The full message is "escrowd-auth:<unix seconds>".
const InlineAuthPrefix = "escrowd-auth:"

// Session token prefix
const sessionTokenPrefix = "wt_"

var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrChallengeNotFound = errors.New("no outstanding challenge")
	ErrStaleAuthMessage  = errors.New("auth message timestamp expired or invalid")
)

// WalletAuthManager manages wallet-based authentication: challenge/response
// sessions and per-request signed headers.
type WalletAuthManager struct {
	challenges map[common.Address]*Challenge
	sessions   map[string]*WalletSession
	mu         sync.RWMutex
	timeout    time.Duration
	sessionTTL time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Challenge is a message a wallet must sign to obtain a session.
type Challenge struct {
	Nonce     string
	Address   common.Address
	Message   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// WalletSession is an authenticated wallet session
type WalletSession struct {
	Address   common.Address
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewWalletAuthManager creates a wallet auth manager. Challenges expire after
// timeout; sessions last one hour. Close stops the background cleanup.
func NewWalletAuthManager(timeout time.Duration) *WalletAuthManager {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	wam := &WalletAuthManager{
		challenges: make(map[common.Address]*Challenge),
		sessions:   make(map[string]*WalletSession),
		timeout:    timeout,
		sessionTTL: time.Hour,
		stop:       make(chan struct{}),
		now:        time.Now,
	}

	go wam.cleanupLoop()

	return wam
}

// Close stops the cleanup goroutine.
func (m *WalletAuthManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CreateChallenge returns the message the wallet at address must sign.
// An unexpired challenge is reused rather than replaced.
func (m *WalletAuthManager) CreateChallenge(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid wallet address format")
	}
	addr := common.HexToAddress(address)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.challenges[addr]; ok && now.Before(existing.ExpiresAt) {
		return existing.Message, nil
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonceHex := hex.EncodeToString(nonce)

	message := fmt.Sprintf("Sign this message to authenticate with escrowd.\n\nWallet: %s\nNonce: %s\nTimestamp: %d",
		addr.Hex(), nonceHex, now.Unix())

	m.challenges[addr] = &Challenge{
		Nonce:     nonceHex,
		Address:   addr,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
	}

	logging.Debug("wallet auth challenge created",
		"address", addr.Hex(),
		"expires_in", m.timeout.String(),
		logging.Component("api"))

	return message, nil
}

// VerifyChallenge checks a signature over the outstanding challenge for
// address. The challenge is consumed on success.
func (m *WalletAuthManager) VerifyChallenge(address, message, signature string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("invalid wallet address format")
	}
	addr := common.HexToAddress(address)

	m.mu.RLock()
	ch, ok := m.challenges[addr]
	m.mu.RUnlock()
	if !ok || m.now().After(ch.ExpiresAt) || ch.Message != message {
		return common.Address{}, ErrChallengeNotFound
	}

	verified, err := VerifySignature(message, signature, addr)
	if err != nil {
		return common.Address{}, err
	}

	m.mu.Lock()
	delete(m.challenges, addr)
	m.mu.Unlock()
	return verified, nil
}

// VerifyInlineAuth verifies the signed headers of a stateless request. The
// message must be InlineAuthPrefix followed by a timestamp no more than five
// minutes old and no more than one minute in the future.
func (m *WalletAuthManager) VerifyInlineAuth(walletAddr, signature, message string) (common.Address, error) {
	if !common.IsHexAddress(walletAddr) {
		return common.Address{}, fmt.Errorf("invalid wallet address format")
	}
	ts, ok := strings.CutPrefix(message, InlineAuthPrefix)
	if !ok {
		return common.Address{}, ErrStaleAuthMessage
	}
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return common.Address{}, ErrStaleAuthMessage
	}
	now := m.now().Unix()
	if now-timestamp > 300 || timestamp-now > 60 {
		return common.Address{}, ErrStaleAuthMessage
	}

	return VerifySignature(message, signature, common.HexToAddress(walletAddr))
}

// CreateSession issues a session token for a verified wallet.
func (m *WalletAuthManager) CreateSession(address common.Address) (string, time.Time, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := sessionTokenPrefix + hex.EncodeToString(tokenBytes)

	now := m.now()
	expiresAt := now.Add(m.sessionTTL)

	m.mu.Lock()
	m.sessions[token] = &WalletSession{
		Address:   address,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	m.mu.Unlock()

	logging.Debug("wallet session created",
		"address", address.Hex(),
		"expires_at", expiresAt.Format(time.RFC3339),
		logging.Component("api"))

	return token, expiresAt, nil
}

// ValidateSession returns the wallet behind a live session token.
func (m *WalletAuthManager) ValidateSession(token string) (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[token]
	if !exists || m.now().After(session.ExpiresAt) {
		return common.Address{}, false
	}
	return session.Address, true
}

// RevokeSession revokes a session token
func (m *WalletAuthManager) RevokeSession(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// CleanupExpired removes expired challenges and sessions
func (m *WalletAuthManager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for addr, challenge := range m.challenges {
		if now.After(challenge.ExpiresAt) {
			delete(m.challenges, addr)
		}
	}
	for token, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}

func (m *WalletAuthManager) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// Stats returns authentication statistics
func (m *WalletAuthManager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"active_challenges": len(m.challenges),
		"active_sessions":   len(m.sessions),
	}
}

// VerifySignature checks an EIP-191 personal_sign signature over message and
// returns the recovered address when it matches claimed.
func VerifySignature(message, signature string, claimed common.Address) (common.Address, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sigBytes))
	}
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(personalHash(message), sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != claimed {
		logging.Warn("wallet signature verification failed - address mismatch",
			"claimed", claimed.Hex(),
			"recovered", recovered.Hex(),
			logging.Component("api"))
		return common.Address{}, fmt.Errorf("%w: signature does not match claimed address", ErrInvalidSignature)
	}
	return recovered, nil
}

// SignMessage produces an EIP-191 personal_sign signature with V in {27, 28}.
func SignMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(personalHash(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// InlineAuthMessage returns the message to sign for a stateless request at t.
func InlineAuthMessage(t time.Time) string {
	return InlineAuthPrefix + strconv.FormatInt(t.Unix(), 10)
}

func personalHash(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}
