package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"

	"stepup-service/internal/config"
)

var (
	ErrInvalidHash          = errors.New("invalid hash format")
	ErrUnknownPepperVersion = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives argon2id password hashes with a configured, versioned
// pepper. Peppers come from configuration rather than being generated at
// startup: stored hashes must verify across restarts and instances. The
// pepper list is ordered oldest first; new hashes always use the last
// entry, verification selects by the stored version.
type Hasher struct {
	params  Argon2Params
	peppers []string
	mu      sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	return &Hasher{
		params:  params,
		peppers: cfg.Hashing.Peppers,
	}
}

func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hashWithPepper(password, "password")
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	pepper, version := h.currentPepper()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Add context to prevent hash reuse between different purposes
	contextualData := data + pepper + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     "argon2id-v1",
	}, nil
}

func (h *Hasher) VerifyPassword(password string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(password, hashResult, "password")
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := data + pepper + context

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	// Constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// currentPepper returns the newest pepper and its 1-based version.
func (h *Hasher) currentPepper() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.peppers[len(h.peppers)-1], len(h.peppers)
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if version < 1 || version > len(h.peppers) {
		return "", fmt.Errorf("%w: %d", ErrUnknownPepperVersion, version)
	}
	return h.peppers[version-1], nil
}
