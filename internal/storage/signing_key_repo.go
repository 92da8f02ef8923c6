package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

// ErrSigningKeyNotFound is returned when no key is provisioned for an account
var ErrSigningKeyNotFound = errors.New("signing key not found")

// SigningKeyRepository stores externally provisioned, KMS-encrypted account keys
type SigningKeyRepository struct {
	store *Store
}

// NewSigningKeyRepository creates a new signing key repository
func NewSigningKeyRepository(store *Store) *SigningKeyRepository {
	return &SigningKeyRepository{store: store}
}

// EncryptedKey returns the encrypted private key blob for an account
func (r *SigningKeyRepository) EncryptedKey(ctx context.Context, account string) ([]byte, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("invalid account address: %s", account)
	}

	query := `SELECT encrypted_key FROM signing_keys WHERE address = $1`

	var blob []byte
	err := r.store.pool.QueryRow(ctx, query, common.HexToAddress(account).Hex()).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSigningKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	return blob, nil
}

// Accounts lists every provisioned account in checksummed form
func (r *SigningKeyRepository) Accounts(ctx context.Context) ([]string, error) {
	rows, err := r.store.pool.Query(ctx, `SELECT address FROM signing_keys ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signing keys: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("failed to scan signing key: %w", err)
		}
		accounts = append(accounts, address)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing key rows error: %w", err)
	}

	return accounts, nil
}

// Put stores an already-encrypted key for an account
func (r *SigningKeyRepository) Put(ctx context.Context, account string, encryptedKey []byte, kmsProvider string) error {
	if !common.IsHexAddress(account) {
		return fmt.Errorf("invalid account address: %s", account)
	}

	query := `
		INSERT INTO signing_keys (address, encrypted_key, kms_provider, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (address) DO UPDATE
		SET encrypted_key = EXCLUDED.encrypted_key,
		    kms_provider = EXCLUDED.kms_provider
	`

	if _, err := r.store.pool.Exec(ctx, query, common.HexToAddress(account).Hex(), encryptedKey, kmsProvider); err != nil {
		return fmt.Errorf("failed to store signing key: %w", err)
	}

	return nil
}
