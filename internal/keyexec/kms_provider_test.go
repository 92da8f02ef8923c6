package keyexec

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalKMSProvider(t *testing.T) {
	t.Run("creates provider with passphrase", func(t *testing.T) {
		provider, err := NewLocalKMSProvider("test-master-key-32-bytes-long!!")
		require.NoError(t, err)
		assert.Equal(t, "local", provider.Provider())
	})

	t.Run("creates provider with hex key", func(t *testing.T) {
		provider, err := NewLocalKMSProvider("0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("returns error with empty key", func(t *testing.T) {
		provider, err := NewLocalKMSProvider("")
		assert.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "master key is required")
	})
}

func TestLocalKMSProvider_EncryptDecrypt(t *testing.T) {
	provider, err := NewLocalKMSProvider("test-master-key-32-bytes-long!!")
	require.NoError(t, err)

	ctx := context.Background()
	plaintext := []byte("32 bytes of private key material")

	ciphertext, err := provider.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	again, err := provider.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, again, "nonce must differ per call")

	decrypted, err := provider.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestLocalKMSProvider_DecryptErrors(t *testing.T) {
	provider, err := NewLocalKMSProvider("test-master-key-32-bytes-long!!")
	require.NoError(t, err)
	other, err := NewLocalKMSProvider("a-different-master-key-entirely")
	require.NoError(t, err)

	ctx := context.Background()

	_, err = provider.Decrypt(ctx, []byte("short"))
	assert.ErrorContains(t, err, "ciphertext too short")

	ciphertext, err := other.Encrypt(ctx, []byte("secret"))
	require.NoError(t, err)
	_, err = provider.Decrypt(ctx, ciphertext)
	assert.ErrorContains(t, err, "failed to decrypt")
}

type fakeKMS struct {
	lastKeyID string
	failWith  error
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.lastKeyID = *in.KeyId
	return &kms.EncryptOutput{CiphertextBlob: append([]byte("enc:"), in.Plaintext...)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.lastKeyID = *in.KeyId
	return &kms.DecryptOutput{Plaintext: in.CiphertextBlob[len("enc:"):]}, nil
}

func TestAWSKMSProvider_UsesConfiguredKey(t *testing.T) {
	fake := &fakeKMS{}
	provider := &AWSKMSProvider{keyID: "alias/bridge", client: fake}
	ctx := context.Background()

	blob, err := provider.Encrypt(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, "alias/bridge", fake.lastKeyID)

	plain, err := provider.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), plain)
	assert.Equal(t, "aws-kms", provider.Provider())
}

func TestAWSKMSProvider_WrapsErrors(t *testing.T) {
	provider := &AWSKMSProvider{keyID: "alias/bridge", client: &fakeKMS{failWith: errors.New("throttled")}}

	_, err := provider.Decrypt(context.Background(), []byte("enc:x"))
	assert.ErrorContains(t, err, "AWS KMS decrypt failed")
}

func TestNewAWSKMSProvider_Validation(t *testing.T) {
	_, err := NewAWSKMSProvider(context.Background(), "", "us-east-1")
	assert.ErrorContains(t, err, "key ID is required")

	_, err = NewAWSKMSProvider(context.Background(), "alias/bridge", "")
	assert.ErrorContains(t, err, "region is required")
}

func TestNewVaultProvider_Validation(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		token      string
		transitKey string
		errMsg     string
	}{
		{name: "missing_address", token: "t", transitKey: "k", errMsg: "address is required"},
		{name: "missing_token", address: "http://localhost:8200", transitKey: "k", errMsg: "token is required"},
		{name: "missing_transit_key", address: "http://localhost:8200", token: "t", errMsg: "transit key name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVaultProvider(tt.address, tt.token, tt.transitKey)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestNewKMSProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults to local", func(t *testing.T) {
		provider, err := NewKMSProvider(ctx, &KMSConfig{LocalMasterKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, "local", provider.Provider())
	})

	t.Run("vault", func(t *testing.T) {
		provider, err := NewKMSProvider(ctx, &KMSConfig{
			Provider:        "vault",
			VaultAddress:    "http://localhost:8200",
			VaultToken:      "t",
			VaultTransitKey: "k",
		})
		require.NoError(t, err)
		assert.Equal(t, "vault", provider.Provider())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewKMSProvider(ctx, &KMSConfig{Provider: "gcp-kms"})
		assert.ErrorContains(t, err, "unsupported KMS provider")
	})
}
