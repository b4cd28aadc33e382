package pseudonym

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Tag is a keyed one-way correlation value (search tag, signature or rate-limit key).
type Tag [32]byte

// Equal compares two tags in constant time.
func (t Tag) Equal(o Tag) bool { return hmac.Equal(t[:], o[:]) }

// IsZero reports whether the tag is unset.
func (t Tag) IsZero() bool { return t == Tag{} }

func (t Tag) String() string { return base64.StdEncoding.EncodeToString(t[:]) }

// MarshalText encodes the tag as standard base64.
func (t Tag) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a base64 tag written by MarshalText.
func (t *Tag) UnmarshalText(b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("decode tag: %w", err)
	}
	v, err := TagFromBytes(raw)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TagFromBytes copies a 32-byte slice into a Tag.
func TagFromBytes(b []byte) (Tag, error) {
	var t Tag
	if len(b) != len(t) {
		return t, fmt.Errorf("invalid tag size: expected %d, got %d", len(t), len(b))
	}
	copy(t[:], b)
	return t, nil
}

// GuildSecret is the persistent random salt bound to one guild. It is never rotated:
// every historical search tag and rate-limit key for the guild depends on it.
type GuildSecret []byte

// GlobalSecret is the platform-wide analogue of GuildSecret.
type GlobalSecret []byte

// MinuteNonce returns t truncated to the minute as 8 big-endian bytes of Unix seconds.
func MinuteNonce(t time.Time) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UTC().Truncate(time.Minute).Unix()))
	return b
}

// CorrelationTagger derives guild search tags, global signatures and the
// windowed user signatures consumed by the rotator.
type CorrelationTagger struct {
	ring *KeyRing
}

// NewCorrelationTagger returns a tagger bound to ring.
func NewCorrelationTagger(ring *KeyRing) *CorrelationTagger {
	return &CorrelationTagger{ring: ring}
}

// GuildSearchTag computes HMAC(serverKey(guildSecret), userID || minuteNonce(createdAt)).
func (*CorrelationTagger) GuildSearchTag(userID string, guildSecret GuildSecret, createdAt time.Time) (Tag, error) {
	key, err := guildKey(guildSecret, infoServerKey)
	if err != nil {
		return Tag{}, err
	}
	nonce := MinuteNonce(createdAt)
	return mac(key, []byte(userID), nonce[:]), nil
}

// GlobalSignature computes the cross-guild correlation value for a post written
// under master key keyVersion.
func (t *CorrelationTagger) GlobalSignature(userID string, keyVersion int, createdAt time.Time) (Tag, error) {
	key, err := t.globalKey(keyVersion)
	if err != nil {
		return Tag{}, err
	}
	nonce := MinuteNonce(createdAt)
	return mac(key, []byte(userID), nonce[:]), nil
}

// DailySignature is the short-lived windowed signature for ordinary posts: stable
// for one user in one guild for one date bucket.
func (*CorrelationTagger) DailySignature(userID string, guildSecret GuildSecret, day string) (Tag, error) {
	key, err := guildKey(guildSecret, infoDailySignature)
	if err != nil {
		return Tag{}, err
	}
	return mac(key, []byte(day), []byte{0}, []byte(userID)), nil
}

// PersistentSignature is the long-lived signature used where a pseudonym should
// survive window boundaries (converted posts).
func (*CorrelationTagger) PersistentSignature(userID string, guildSecret GuildSecret) (Tag, error) {
	key, err := guildKey(guildSecret, infoPersistentSigning)
	if err != nil {
		return Tag{}, err
	}
	return mac(key, []byte(userID)), nil
}

func (t *CorrelationTagger) globalKey(keyVersion int) ([]byte, error) {
	master, err := t.ring.Key(keyVersion)
	if err != nil {
		return nil, err
	}
	salt := append(t.ring.Pepper(), infoGlobalSignature...)
	return deriveKey(master[:], salt, infoGlobalSignature)
}

func guildKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty guild secret")
	}
	return deriveKey(secret, serverKeySalt, info)
}

func mac(key []byte, chunks ...[]byte) Tag {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out Tag
	copy(out[:], h.Sum(nil))
	return out
}
