package keyexec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MemoryKeySource is an in-process KeySource keyed by checksummed address
type MemoryKeySource struct {
	mu    sync.RWMutex
	keys  map[common.Address][]byte
	order []string
}

// NewMemoryKeySource creates an empty MemoryKeySource
func NewMemoryKeySource() *MemoryKeySource {
	return &MemoryKeySource{keys: make(map[common.Address][]byte)}
}

func (m *MemoryKeySource) EncryptedKey(_ context.Context, account string) ([]byte, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("invalid account address: %s", account)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.keys[common.HexToAddress(account)]
	if !ok {
		return nil, fmt.Errorf("no signing key for account %s", account)
	}
	return append([]byte(nil), blob...), nil
}

// Put stores an encrypted key for account
func (m *MemoryKeySource) Put(account string, encryptedKey []byte) {
	addr := common.HexToAddress(account)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[addr]; !ok {
		m.order = append(m.order, addr.Hex())
	}
	m.keys[addr] = append([]byte(nil), encryptedKey...)
}

// Accounts returns provisioned accounts in insertion order
func (m *MemoryKeySource) Accounts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

// EncryptKey encrypts an externally supplied private key for storage and
// returns the account it controls.
func EncryptKey(ctx context.Context, kms KMSProvider, key *ecdsa.PrivateKey) (string, []byte, error) {
	raw := crypto.FromECDSA(key)
	defer zeroBytes(raw)

	blob, err := kms.Encrypt(ctx, raw)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt signing key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), blob, nil
}

// EncryptKeyHex is EncryptKey for a hex-encoded private key
func EncryptKeyHex(ctx context.Context, kms KMSProvider, keyHex string) (string, []byte, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(keyHex))
	if err != nil {
		return "", nil, fmt.Errorf("invalid private key: %w", err)
	}
	defer zeroKey(key)
	return EncryptKey(ctx, kms, key)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
