package pseudonym

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain separation labels. Each purpose gets its own info string so that a
// leaked derived key never yields another.
const (
	infoIdentity          = "identity-encryption"
	infoServerKey         = "server-key"
	infoGlobalSignature   = "global-signature"
	infoRateLimit         = "rate-limit"
	infoGlobalRateLimit   = "global-rate-limit"
	infoDailySignature    = "daily-signature"
	infoPersistentSigning = "persistent-signature"
	infoAuditChain        = "audit-chain"
	infoBan               = "ban"
	infoGlobalBan         = "global-ban"
)

// serverKeySalt is the fixed HKDF salt used when deriving keys from guild secrets.
var serverKeySalt = []byte("pseudonym/v1/server")

// Derive expands secret into length bytes of key material with HKDF-SHA256.
func Derive(secret, salt, info []byte, length int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("derive: empty secret")
	}
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("derive: invalid length %d", length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("derive: %w", err)
	}
	return out, nil
}

func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	return Derive(secret, salt, []byte(info), KeySize)
}
