package pseudonym

import (
	"bytes"
	"encoding/json"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncryptedIdentity_Envelope(t *testing.T) {
	c := NewIdentityCipher(newTestRing(t))
	enc, err := c.EncryptCurrent("user-42")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := enc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var back EncryptedIdentity
	if err := back.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if back.KeyVersion != enc.KeyVersion || back.Salt != enc.Salt || !bytes.Equal(back.Ciphertext, enc.Ciphertext) {
		t.Fatal("envelope did not survive encoding")
	}
	if id, err := c.Decrypt(back); err != nil || id != "user-42" {
		t.Errorf("Decrypt after decode = %q, %v", id, err)
	}
}

func TestEncryptedIdentity_SkipsUnknownFields(t *testing.T) {
	enc := EncryptedIdentity{Ciphertext: []byte("ciphertext-bytes-here-0123456789"), KeyVersion: 3}
	enc.Salt[0] = 7
	raw, _ := enc.MarshalBinary()
	raw = protowire.AppendTag(raw, 15, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte("future"))

	var back EncryptedIdentity
	if err := back.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if back.KeyVersion != 3 || back.Salt[0] != 7 {
		t.Errorf("decoded %+v", back)
	}
}

func TestEncryptedIdentity_RejectsBadEnvelopes(t *testing.T) {
	var noSalt []byte
	noSalt = protowire.AppendTag(noSalt, fieldKeyVersion, protowire.VarintType)
	noSalt = protowire.AppendVarint(noSalt, 1)
	noSalt = protowire.AppendTag(noSalt, fieldCiphertext, protowire.BytesType)
	noSalt = protowire.AppendBytes(noSalt, []byte("ct"))

	var shortSalt []byte
	shortSalt = protowire.AppendTag(shortSalt, fieldSalt, protowire.BytesType)
	shortSalt = protowire.AppendBytes(shortSalt, []byte("short"))

	tests := map[string][]byte{
		"empty":      nil,
		"garbage":    {0xff, 0xff, 0xff},
		"no salt":    noSalt,
		"short salt": shortSalt,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var e EncryptedIdentity
			if err := e.UnmarshalBinary(raw); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := (EncryptedIdentity{}).MarshalBinary(); err == nil {
		t.Error("MarshalBinary of a zero identity should fail")
	}
}

func TestEncryptedIdentity_JSON(t *testing.T) {
	c := NewIdentityCipher(newTestRing(t))
	enc, _ := c.EncryptCurrent("user-7")
	b, err := json.Marshal(struct {
		Target EncryptedIdentity `json:"target"`
	}{enc})
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	var out struct {
		Target EncryptedIdentity `json:"target"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if id, err := c.Decrypt(out.Target); err != nil || id != "user-7" {
		t.Errorf("Decrypt = %q, %v", id, err)
	}
}
