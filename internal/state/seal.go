package state

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1
)

// sealer encrypts stored values with XChaCha20-Poly1305. The storage
// key is bound as additional data so a value cannot be moved to
// another key.
type sealer struct {
	aead cipher.AEAD
}

// newSealer derives the key from passphrase and salt. The passphrase
// is normalized to NFKC first so equivalent Unicode input derives the
// same key.
func newSealer(passphrase string, salt []byte) (*sealer, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)

	for i := range key {
		key[i] = 0
	}

	if err != nil {
		return nil, fmt.Errorf("creating seal cipher: %w", err)
	}

	return &sealer{aead: aead}, nil
}

// seal returns [nonce][ciphertext+tag].
func (s *sealer) seal(plaintext []byte, key string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *sealer) open(data []byte, key string) ([]byte, error) {
	if len(data) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrSealMismatch
	}

	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, ErrSealMismatch
	}

	return plaintext, nil
}
