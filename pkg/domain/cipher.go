package domain

// EncryptionEnvelope is a self-describing encrypted blob. It carries no key material.
type EncryptionEnvelope struct {
	Algorithm  string `json:"algorithm" bson:"algorithm"`
	KeyID      string `json:"key_id" bson:"key_id"`
	Ciphertext string `json:"ciphertext" bson:"ciphertext"` // base64
}

type Cipher interface {
	Algorithm() string
	KeyID() string
	Encrypt(plaintext []byte) (EncryptionEnvelope, error)
	Decrypt(envelope EncryptionEnvelope) ([]byte, error)
}
