package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/config"
	"stepup-service/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// EncryptionManager envelope-encrypts fields at rest. Each value gets a
// fresh AES-256 data key; the data key itself is encrypted by KMS and
// stored alongside the ciphertext. Without KMS (development) the data key
// is only encoded, never protected.
type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // decrypted DEKs, keyed by their ciphertext
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// kmsMode reports whether data keys go through KMS. Enabled-but-unreachable
// KMS degrades to local mode; construction already logged the downgrade.
func (em *EncryptionManager) kmsMode() bool {
	return em.config.KMS.Enabled && em.kmsClient != nil
}

// EncryptAssertion seals a raw assertion for the audit trail and returns
// the JSON envelope stored in the assertion_raw column.
func (em *EncryptionManager) EncryptAssertion(ctx context.Context, rawAssertion string) (string, error) {
	encrypted, err := em.EncryptField(ctx, rawAssertion, "assertion")
	if err != nil {
		return "", err
	}

	envelope, err := json.Marshal(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(envelope), nil
}

// DecryptAssertion opens an envelope produced by EncryptAssertion.
func (em *EncryptionManager) DecryptAssertion(ctx context.Context, envelope string) (string, error) {
	encrypted := &EncryptedData{}
	if err := json.Unmarshal([]byte(envelope), encrypted); err != nil {
		return "", fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, encrypted)
}

// GenerateDataKey generates a new data encryption key using KMS
func (em *EncryptionManager) GenerateDataKey(ctx context.Context, keyPurpose string) (*DataKey, error) {
	if !em.kmsMode() {
		return em.generateLocalKey(keyPurpose), nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey(keyPurpose string) *DataKey {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate local encryption key", zap.Error(err))
	}

	// In development, we just base64 encode the "encrypted" key
	ciphertext := []byte(base64.StdEncoding.EncodeToString(key))

	return &DataKey{
		Plaintext:  key,
		Ciphertext: ciphertext,
		KeyID:      uuid.New().String(),
	}
}

// EncryptField encrypts a sensitive field using envelope encryption
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, keyPurpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx, keyPurpose)
	if err != nil {
		return nil, err
	}

	util.Debug("Data key generated",
		zap.String("key_purpose", keyPurpose),
		zap.String("key_id", dataKey.KeyID))

	block, err := aes.NewCipher(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(cacheKey, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dataKey.Ciphertext),
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts an encrypted field
func (em *EncryptionManager) DecryptField(ctx context.Context, encryptedData *EncryptedData) (string, error) {
	// Check cache for decrypted DEK
	cacheKey := encryptedData.EncryptedDEK
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return em.decryptWithKey(encryptedData.EncryptedValue, cached.([]byte))
	}

	// Decrypt DEK first
	var plaintextDEK []byte
	if em.kmsMode() {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		input := &kms.DecryptInput{
			CiphertextBlob: ciphertextBlob,
		}

		result, err := em.kmsClient.Decrypt(ctx, input)
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}

		plaintextDEK = result.Plaintext
	} else {
		// In development, just decode the "encrypted" key
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	// Cache the decrypted DEK
	em.keyCache.Store(cacheKey, plaintextDEK)

	return em.decryptWithKey(encryptedData.EncryptedValue, plaintextDEK)
}

func (em *EncryptionManager) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// ClearCache clears the DEK cache (useful for memory management)
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}
