package pseudonym

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers for the persisted form of EncryptedIdentity.
const (
	fieldKeyVersion protowire.Number = 1
	fieldSalt       protowire.Number = 2
	fieldCiphertext protowire.Number = 3
)

// MarshalBinary encodes the identity as a protobuf-wire envelope.
func (e EncryptedIdentity) MarshalBinary() ([]byte, error) {
	if e.KeyVersion <= 0 {
		return nil, fmt.Errorf("invalid key version %d", e.KeyVersion)
	}
	b := make([]byte, 0, 4+SaltSize+len(e.Ciphertext)+8)
	b = protowire.AppendTag(b, fieldKeyVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.KeyVersion))
	b = protowire.AppendTag(b, fieldSalt, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Salt[:])
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Ciphertext)
	return b, nil
}

// UnmarshalBinary decodes an envelope written by MarshalBinary. Unknown fields
// are skipped so newer writers stay readable.
func (e *EncryptedIdentity) UnmarshalBinary(data []byte) error {
	var out EncryptedIdentity
	var haveSalt, haveCT bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("decode identity tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldKeyVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("decode key version: %w", protowire.ParseError(n))
			}
			out.KeyVersion = int(v)
			data = data[n:]
		case num == fieldSalt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("decode salt: %w", protowire.ParseError(n))
			}
			if len(v) != SaltSize {
				return fmt.Errorf("invalid salt size: expected %d, got %d", SaltSize, len(v))
			}
			copy(out.Salt[:], v)
			haveSalt = true
			data = data[n:]
		case num == fieldCiphertext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("decode ciphertext: %w", protowire.ParseError(n))
			}
			out.Ciphertext = append([]byte(nil), v...)
			haveCT = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if out.KeyVersion <= 0 || !haveSalt || !haveCT {
		return errors.New("incomplete identity envelope")
	}
	*e = out
	return nil
}

// MarshalText encodes the envelope as standard base64.
func (e EncryptedIdentity) MarshalText() ([]byte, error) {
	raw, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// UnmarshalText decodes the base64 form produced by MarshalText.
func (e *EncryptedIdentity) UnmarshalText(text []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return fmt.Errorf("decode identity base64: %w", err)
	}
	return e.UnmarshalBinary(raw[:n])
}
