package pseudonym

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// SaltSize is the size of the per-record salt mixed into identity encryption keys.
const SaltSize = 16

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// ErrDecryptFailed is returned when an identity cannot be recovered: bad tag,
// corrupted payload or wrong key.
var ErrDecryptFailed = errors.New("identity decryption failed")

// EncryptedIdentity is the reversible artifact attached to every post.
// Ciphertext is laid out as ct||tag||nonce.
type EncryptedIdentity struct {
	Ciphertext []byte
	Salt       [SaltSize]byte
	KeyVersion int
}

// IsZero reports whether the identity carries no ciphertext.
func (e EncryptedIdentity) IsZero() bool { return len(e.Ciphertext) == 0 }

// IdentityCipher encrypts and decrypts real user identifiers under the key ring.
type IdentityCipher struct {
	ring *KeyRing
}

// NewIdentityCipher returns a cipher bound to ring.
func NewIdentityCipher(ring *KeyRing) *IdentityCipher {
	return &IdentityCipher{ring: ring}
}

// Encrypt seals userID under master key keyVersion with a fresh salt and nonce.
func (c *IdentityCipher) Encrypt(userID string, keyVersion int) (EncryptedIdentity, error) {
	master, err := c.ring.Key(keyVersion)
	if err != nil {
		return EncryptedIdentity{}, err
	}
	var out EncryptedIdentity
	if _, err := rand.Read(out.Salt[:]); err != nil {
		return EncryptedIdentity{}, fmt.Errorf("read salt: %w", err)
	}
	aead, err := identityAEAD(master, out.Salt)
	if err != nil {
		return EncryptedIdentity{}, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedIdentity{}, fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(userID), versionAD(keyVersion))
	out.Ciphertext = append(sealed, nonce...)
	out.KeyVersion = keyVersion
	return out, nil
}

// EncryptCurrent seals userID under the ring's current key version.
func (c *IdentityCipher) EncryptCurrent(userID string) (EncryptedIdentity, error) {
	return c.Encrypt(userID, c.ring.CurrentVersion())
}

// Decrypt recovers the user identifier. Every failure wraps ErrDecryptFailed.
func (c *IdentityCipher) Decrypt(e EncryptedIdentity) (string, error) {
	master, err := c.ring.Key(e.KeyVersion)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return openIdentity(master, e.Ciphertext, e.Salt, e.KeyVersion)
}

// DecryptAnyVersion tries every known key, newest first. It exists for records
// persisted without a key version; versioned records should use Decrypt.
func (c *IdentityCipher) DecryptAnyVersion(ciphertext []byte, salt [SaltSize]byte) (string, int, error) {
	versions := c.ring.Versions()
	for i := len(versions) - 1; i >= 0; i-- {
		master, err := c.ring.Key(versions[i])
		if err != nil {
			continue
		}
		if id, err := openIdentity(master, ciphertext, salt, versions[i]); err == nil {
			return id, versions[i], nil
		}
	}
	return "", 0, fmt.Errorf("%w: no key version matched", ErrDecryptFailed)
}

func openIdentity(master [KeySize]byte, ciphertext []byte, salt [SaltSize]byte, version int) (string, error) {
	if len(ciphertext) < gcmTagSize+gcmNonceSize {
		return "", fmt.Errorf("%w: payload too short (%d bytes)", ErrDecryptFailed, len(ciphertext))
	}
	aead, err := identityAEAD(master, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	split := len(ciphertext) - gcmNonceSize
	plain, err := aead.Open(nil, ciphertext[split:], ciphertext[:split], versionAD(version))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return string(plain), nil
}

func identityAEAD(master [KeySize]byte, salt [SaltSize]byte) (cipher.AEAD, error) {
	key, err := deriveKey(master[:], salt[:], infoIdentity)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// versionAD binds the key version into the AEAD tag.
func versionAD(version int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(version))
	return b[:]
}
