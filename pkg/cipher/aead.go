package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/flowbaker/flowguard/pkg/domain"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	AlgorithmAESGCM           = "aes-256-gcm"
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"
	AlgorithmFernet           = "fernet"

	KeySize = 32
)

var ErrDecryptionFailed = errors.New("failed to decrypt envelope")

// AEADCipher seals plaintext as base64(nonce || ciphertext || tag).
type AEADCipher struct {
	algorithm string
	keyID     string
	aead      stdcipher.AEAD
}

func NewAESGCM(key []byte, keyID string) (*AEADCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AEADCipher{algorithm: AlgorithmAESGCM, keyID: keyID, aead: aead}, nil
}

func NewChaCha20Poly1305(key []byte, keyID string) (*AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &AEADCipher{algorithm: AlgorithmChaCha20Poly1305, keyID: keyID, aead: aead}, nil
}

func (c *AEADCipher) Algorithm() string {
	return c.algorithm
}

func (c *AEADCipher) KeyID() string {
	return c.keyID
}

func (c *AEADCipher) minimumLength() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

func (c *AEADCipher) Encrypt(plaintext []byte) (domain.EncryptionEnvelope, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return domain.EncryptionEnvelope{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	return domain.EncryptionEnvelope{
		Algorithm:  c.algorithm,
		KeyID:      c.keyID,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func (c *AEADCipher) Decrypt(envelope domain.EncryptionEnvelope) ([]byte, error) {
	if envelope.Algorithm != c.algorithm {
		return nil, &domain.CipherMismatchError{Expected: c.algorithm, Actual: envelope.Algorithm}
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 ciphertext: %w", err)
	}

	if len(data) < c.minimumLength() {
		return nil, &domain.CiphertextTooShortError{Length: len(data), Minimum: c.minimumLength()}
	}

	nonceSize := c.aead.NonceSize()
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if plaintext == nil {
		plaintext = []byte{}
	}

	return plaintext, nil
}
