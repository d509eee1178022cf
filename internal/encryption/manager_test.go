package encryption

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepup-service/internal/config"
)

func newLocalManager(t *testing.T) *EncryptionManager {
	t.Helper()
	cfg := &config.Config{KMS: config.KMSConfig{Enabled: false}}
	return NewEncryptionManager(cfg, nil)
}

func TestEncryptAssertionRoundtrip(t *testing.T) {
	em := newLocalManager(t)
	ctx := context.Background()

	raw := "eyJhbGciOiJSUzI1NiJ9.payload.signature"

	envelope, err := em.EncryptAssertion(ctx, raw)
	require.NoError(t, err)
	require.NotContains(t, envelope, "payload", "ciphertext must not leak plaintext")

	var encrypted EncryptedData
	require.NoError(t, json.Unmarshal([]byte(envelope), &encrypted))
	assert.Equal(t, "v1", encrypted.Version)
	assert.NotEmpty(t, encrypted.EncryptedDEK)

	decrypted, err := em.DecryptAssertion(ctx, envelope)
	require.NoError(t, err)
	assert.Equal(t, raw, decrypted)
}

func TestEncryptAssertionFreshDataKeys(t *testing.T) {
	em := newLocalManager(t)
	ctx := context.Background()

	first, err := em.EncryptField(ctx, "same plaintext", "assertion")
	require.NoError(t, err)
	second, err := em.EncryptField(ctx, "same plaintext", "assertion")
	require.NoError(t, err)

	assert.NotEqual(t, first.EncryptedDEK, second.EncryptedDEK)
	assert.NotEqual(t, first.EncryptedValue, second.EncryptedValue)
}

func TestDecryptAssertionRejectsGarbage(t *testing.T) {
	em := newLocalManager(t)
	ctx := context.Background()

	_, err := em.DecryptAssertion(ctx, "not json")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	envelope, err := em.EncryptAssertion(ctx, "secret")
	require.NoError(t, err)

	var encrypted EncryptedData
	require.NoError(t, json.Unmarshal([]byte(envelope), &encrypted))
	encrypted.EncryptedValue = "AAAA"
	tampered, err := json.Marshal(&encrypted)
	require.NoError(t, err)

	_, err = em.DecryptAssertion(ctx, string(tampered))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
