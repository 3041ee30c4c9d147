package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/flowbaker/flowguard/pkg/domain"

	"golang.org/x/crypto/hkdf"
)

var keyDerivationSalt = []byte("flowguard-credential-vault")

func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// DecodeKey accepts standard or URL-safe base64 (Fernet keys are usually URL-safe).
func DecodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)

	keyBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		keyBytes, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 encoding: %w", err)
		}
	}

	if len(keyBytes) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(keyBytes))
	}

	return keyBytes, nil
}

// DeriveKey stretches a passphrase into a cipher key bound to keyID.
func DeriveKey(passphrase []byte, keyID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, passphrase, keyDerivationSalt, []byte("encryption-key-"+keyID))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return key, nil
}

func NormalizeAlgorithm(algorithm string) string {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "aes-gcm", "aes-256-gcm", "aesgcm", "":
		return AlgorithmAESGCM
	case "chacha20-poly1305", "chacha20poly1305", "chacha":
		return AlgorithmChaCha20Poly1305
	case "fernet":
		return AlgorithmFernet
	}

	return algorithm
}

// New builds the cipher for algorithm. Algorithm names are normalized first.
func New(algorithm string, key []byte, keyID string) (domain.Cipher, error) {
	switch NormalizeAlgorithm(algorithm) {
	case AlgorithmAESGCM:
		return NewAESGCM(key, keyID)
	case AlgorithmChaCha20Poly1305:
		return NewChaCha20Poly1305(key, keyID)
	case AlgorithmFernet:
		return NewFernet(key, keyID)
	}

	return nil, fmt.Errorf("unsupported cipher algorithm %q", algorithm)
}
