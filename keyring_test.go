package pseudonym

import (
	"errors"
	"testing"
)

func fillKey(b byte) [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = b
	}
	return k
}

// newTestRing returns a ring holding the given versions (default 1) with the
// last one current.
func newTestRing(t testing.TB, versions ...int) *KeyRing {
	t.Helper()
	if len(versions) == 0 {
		versions = []int{1}
	}
	keys := make([]MasterKey, 0, len(versions))
	for _, v := range versions {
		keys = append(keys, MasterKey{Version: v, Secret: fillKey(byte(v))})
	}
	ring, err := NewKeyRing(keys, versions[len(versions)-1], []byte("test-pepper"))
	if err != nil {
		t.Fatalf("NewKeyRing failed: %v", err)
	}
	return ring
}

func TestNewKeyRing_Validation(t *testing.T) {
	good := []MasterKey{{Version: 1, Secret: fillKey(1)}}
	tests := []struct {
		name        string
		keys        []MasterKey
		current     int
		pepper      []byte
		wantMissing bool
	}{
		{name: "no keys", current: 1, pepper: []byte("p"), wantMissing: true},
		{name: "no pepper", keys: good, current: 1, wantMissing: true},
		{name: "current without key", keys: good, current: 2, pepper: []byte("p"), wantMissing: true},
		{name: "zero key", keys: []MasterKey{{Version: 1}}, current: 1, pepper: []byte("p"), wantMissing: true},
		{name: "non-positive version", keys: []MasterKey{{Version: 0, Secret: fillKey(1)}}, current: 0, pepper: []byte("p")},
		{name: "duplicate version", keys: []MasterKey{good[0], good[0]}, current: 1, pepper: []byte("p")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyRing(tt.keys, tt.current, tt.pepper)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrMissingSecret); got != tt.wantMissing {
				t.Errorf("errors.Is(ErrMissingSecret) = %v, want %v (err: %v)", got, tt.wantMissing, err)
			}
		})
	}
}

func TestKeyRing_Rotation(t *testing.T) {
	ring := newTestRing(t, 1, 2)
	if got := ring.CurrentVersion(); got != 2 {
		t.Fatalf("CurrentVersion = %d, want 2", got)
	}
	if got := ring.Versions(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Versions = %v, want [1 2]", got)
	}
	if err := ring.SetCurrent(1); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	if got := ring.CurrentVersion(); got != 1 {
		t.Errorf("CurrentVersion = %d, want 1", got)
	}
	if err := ring.SetCurrent(3); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Errorf("SetCurrent(3) error = %v, want ErrUnknownKeyVersion", err)
	}
	if _, err := ring.Key(7); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Errorf("Key(7) error = %v, want ErrUnknownKeyVersion", err)
	}
}

func TestKeyRing_PepperIsCopied(t *testing.T) {
	ring := newTestRing(t)
	p := ring.Pepper()
	p[0] ^= 0xff
	if string(ring.Pepper()) != "test-pepper" {
		t.Error("mutating the returned pepper changed the ring")
	}
}
