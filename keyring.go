// Package pseudonym implements a pseudonymity engine for anonymous posting in chat
// communities: reversible identity encryption, one-way correlation tags, rotating
// display pseudonyms and opaque rate-limit keys, all derived from a versioned key ring.
package pseudonym

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// KeySize is the size in bytes of master keys and derived keys.
const KeySize = 32

// ErrMissingSecret is returned when a required key or pepper is not configured.
var ErrMissingSecret = errors.New("missing secret")

// ErrUnknownKeyVersion is returned when a key version is not present in the ring.
var ErrUnknownKeyVersion = errors.New("unknown key version")

// MasterKey is one versioned master secret. Versions are never deleted so that
// historical records stay decryptable.
type MasterKey struct {
	Version int
	Secret  [KeySize]byte
}

// KeyRing holds every known master key plus the process-wide pepper.
// Only the current version pointer may change after construction.
type KeyRing struct {
	keys    map[int][KeySize]byte
	pepper  []byte
	current atomic.Int64
}

// NewKeyRing builds a ring from keys and pepper, failing fast if anything is absent.
func NewKeyRing(keys []MasterKey, current int, pepper []byte) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no master keys configured", ErrMissingSecret)
	}
	if len(pepper) == 0 {
		return nil, fmt.Errorf("%w: pepper not configured", ErrMissingSecret)
	}
	kr := &KeyRing{
		keys:   make(map[int][KeySize]byte, len(keys)),
		pepper: append([]byte(nil), pepper...),
	}
	for _, k := range keys {
		if k.Version <= 0 {
			return nil, fmt.Errorf("invalid key version %d", k.Version)
		}
		if _, dup := kr.keys[k.Version]; dup {
			return nil, fmt.Errorf("duplicate key version %d", k.Version)
		}
		if k.Secret == ([KeySize]byte{}) {
			return nil, fmt.Errorf("%w: master key %d is zero", ErrMissingSecret, k.Version)
		}
		kr.keys[k.Version] = k.Secret
	}
	if _, ok := kr.keys[current]; !ok {
		return nil, fmt.Errorf("%w: current version %d has no key", ErrMissingSecret, current)
	}
	kr.current.Store(int64(current))
	return kr, nil
}

// CurrentVersion returns the version used for new writes.
func (kr *KeyRing) CurrentVersion() int {
	return int(kr.current.Load())
}

// Key returns the master secret for version.
func (kr *KeyRing) Key(version int) ([KeySize]byte, error) {
	k, ok := kr.keys[version]
	if !ok {
		return [KeySize]byte{}, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	return k, nil
}

// Pepper returns a copy of the process-wide pepper.
func (kr *KeyRing) Pepper() []byte {
	return append([]byte(nil), kr.pepper...)
}

// Versions returns all known key versions in ascending order.
func (kr *KeyRing) Versions() []int {
	out := make([]int, 0, len(kr.keys))
	for v := range kr.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// BaseVersion returns the lowest known version. Keys derived under it stay
// stable across SetCurrent.
func (kr *KeyRing) BaseVersion() int {
	return kr.Versions()[0]
}

// SetCurrent moves the current pointer to an already known version.
func (kr *KeyRing) SetCurrent(version int) error {
	if _, ok := kr.keys[version]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	kr.current.Store(int64(version))
	return nil
}
