package cipher

import (
	"encoding/base64"
	"fmt"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/fernet/fernet-go"
)

// version (1) + timestamp (8) + iv (16) + one AES block (16) + hmac (32)
const fernetMinimumTokenLength = 73

type Fernet struct {
	keyID string
	key   *fernet.Key
}

func NewFernet(key []byte, keyID string) (*Fernet, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}

	var fernetKey fernet.Key
	copy(fernetKey[:], key)

	return &Fernet{keyID: keyID, key: &fernetKey}, nil
}

func (f *Fernet) Algorithm() string {
	return AlgorithmFernet
}

func (f *Fernet) KeyID() string {
	return f.keyID
}

func (f *Fernet) Encrypt(plaintext []byte) (domain.EncryptionEnvelope, error) {
	token, err := fernet.EncryptAndSign(plaintext, f.key)
	if err != nil {
		return domain.EncryptionEnvelope{}, fmt.Errorf("failed to create fernet token: %w", err)
	}

	return domain.EncryptionEnvelope{
		Algorithm:  AlgorithmFernet,
		KeyID:      f.keyID,
		Ciphertext: string(token),
	}, nil
}

func (f *Fernet) Decrypt(envelope domain.EncryptionEnvelope) ([]byte, error) {
	if envelope.Algorithm != AlgorithmFernet {
		return nil, &domain.CipherMismatchError{Expected: AlgorithmFernet, Actual: envelope.Algorithm}
	}

	raw, err := base64.URLEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 ciphertext: %w", err)
	}

	if len(raw) < fernetMinimumTokenLength {
		return nil, &domain.CiphertextTooShortError{Length: len(raw), Minimum: fernetMinimumTokenLength}
	}

	// A negative ttl disables the token age check.
	plaintext := fernet.VerifyAndDecrypt([]byte(envelope.Ciphertext), -1, []*fernet.Key{f.key})
	if plaintext == nil {
		return nil, fmt.Errorf("%w: fernet token verification failed", ErrDecryptionFailed)
	}

	return plaintext, nil
}
