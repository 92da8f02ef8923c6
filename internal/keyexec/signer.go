package keyexec

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySource returns the encrypted private key provisioned for an account
type KeySource interface {
	EncryptedKey(ctx context.Context, account string) ([]byte, error)
}

// Signer produces EIP-191 personal_sign signatures for provisioned accounts.
// Keys are decrypted per call and zeroed before returning.
type Signer struct {
	keys KeySource
	kms  KMSProvider
}

// NewSigner creates a Signer
func NewSigner(keys KeySource, kms KMSProvider) *Signer {
	return &Signer{keys: keys, kms: kms}
}

// SignMessage signs message with account's key and returns the 65-byte
// signature as 0x-prefixed hex with v in {27, 28}.
func (s *Signer) SignMessage(ctx context.Context, account, message string) (string, error) {
	if !common.IsHexAddress(account) {
		return "", fmt.Errorf("invalid account address: %s", account)
	}

	key, err := s.loadKey(ctx, account)
	if err != nil {
		return "", err
	}
	defer zeroKey(key)

	if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(account) {
		return "", fmt.Errorf("provisioned key does not match account %s", account)
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig), nil
}

func (s *Signer) loadKey(ctx context.Context, account string) (*ecdsa.PrivateKey, error) {
	blob, err := s.keys.EncryptedKey(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	raw, err := s.kms.Decrypt(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
	}
	defer zeroBytes(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

// RecoverAddress returns the account that produced a personal_sign signature
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
