package cipher

import (
	"fmt"

	"github.com/flowbaker/flowguard/pkg/domain"
)

// KeyRing encrypts with its current cipher and decrypts envelopes sealed under any
// retired key of the same algorithm.
type KeyRing struct {
	current domain.Cipher
	retired map[string]domain.Cipher
}

func NewKeyRing(current domain.Cipher, retired ...domain.Cipher) (*KeyRing, error) {
	ring := &KeyRing{
		current: current,
		retired: make(map[string]domain.Cipher, len(retired)),
	}

	for _, c := range retired {
		if c.Algorithm() != current.Algorithm() {
			return nil, fmt.Errorf("retired key %q uses %s, key ring uses %s", c.KeyID(), c.Algorithm(), current.Algorithm())
		}

		if c.KeyID() == current.KeyID() {
			return nil, fmt.Errorf("retired key %q shares the current key id", c.KeyID())
		}

		ring.retired[c.KeyID()] = c
	}

	return ring, nil
}

func (r *KeyRing) Algorithm() string {
	return r.current.Algorithm()
}

func (r *KeyRing) KeyID() string {
	return r.current.KeyID()
}

func (r *KeyRing) Encrypt(plaintext []byte) (domain.EncryptionEnvelope, error) {
	return r.current.Encrypt(plaintext)
}

func (r *KeyRing) Decrypt(envelope domain.EncryptionEnvelope) ([]byte, error) {
	if envelope.Algorithm != r.current.Algorithm() {
		return nil, &domain.CipherMismatchError{Expected: r.current.Algorithm(), Actual: envelope.Algorithm}
	}

	if c, ok := r.retired[envelope.KeyID]; ok {
		return c.Decrypt(envelope)
	}

	return r.current.Decrypt(envelope)
}
