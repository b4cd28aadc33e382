package pseudonym

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrAuditGap indicates missing or reordered audit entries.
	ErrAuditGap = errors.New("audit chain gap or reordering detected")
	// ErrAuditTagMismatch indicates an audit entry or tail whose tag does not replay.
	ErrAuditTagMismatch = errors.New("audit chain tag mismatch: tampering or wrong key")
	// ErrAuditConflict is returned by AppendAudit when another writer moved the tail first.
	ErrAuditConflict = errors.New("audit chain tail moved")
)

const auditAppendAttempts = 8

// AuditTail is the chain state after entry Seq: the evolved key A_Seq and the
// aggregate tag μ_Seq. A_0 is never stored; it is derived from the key ring.
type AuditTail struct {
	Seq uint64
	Key [KeySize]byte
	Tag Tag
}

// Auditor appends moderator actions to an AuditLog as a forward-secure MAC
// chain. Entry i is authenticated with A_i = H(A_{i-1}) and folded into the
// aggregate μ_i = H(μ_{i-1} || tag_i), so an entry cannot be altered, removed
// or reordered without Verify noticing, even by someone holding the current tail.
type Auditor struct {
	Log    AuditLog
	Logger *slog.Logger
	Now    func() time.Time

	ring   *KeyRing
	cipher *IdentityCipher
}

// NewAuditor returns an auditor writing to log, encrypting targets under ring.
func NewAuditor(ring *KeyRing, log AuditLog) *Auditor {
	return &Auditor{Log: log, ring: ring, cipher: NewIdentityCipher(ring)}
}

// Record seals e into the chain and appends it. A non-empty targetUserID is
// encrypted into e.Target; ID and At are filled when unset.
func (a *Auditor) Record(ctx context.Context, e AuditEntry, targetUserID string) (AuditEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = a.now()
	}
	e.At = e.At.UTC()
	if targetUserID != "" {
		target, err := a.cipher.EncryptCurrent(targetUserID)
		if err != nil {
			return AuditEntry{}, fmt.Errorf("encrypt audit target: %w", err)
		}
		e.Target = &target
	}

	for attempt := 0; attempt < auditAppendAttempts; attempt++ {
		prev, ok, err := a.Log.AuditTail(ctx)
		if err != nil {
			return AuditEntry{}, fmt.Errorf("load audit tail: %w", err)
		}
		if !ok {
			if prev, err = a.genesis(); err != nil {
				return AuditEntry{}, err
			}
		}
		sealed, next, err := sealAudit(prev, e)
		if err != nil {
			return AuditEntry{}, err
		}
		err = a.Log.AppendAudit(ctx, sealed, next)
		if err == nil {
			return sealed, nil
		}
		if !errors.Is(err, ErrAuditConflict) {
			return AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
		}
		a.logger().Debug("audit tail moved, retrying", "seq", sealed.Seq, "attempt", attempt+1)
	}
	return AuditEntry{}, fmt.Errorf("append audit entry: %w", ErrAuditConflict)
}

// Verify replays the whole chain from A_0 and returns the number of entries
// checked. Tampering surfaces as ErrAuditGap or ErrAuditTagMismatch.
func (a *Auditor) Verify(ctx context.Context) (uint64, error) {
	start, err := a.genesis()
	if err != nil {
		return 0, err
	}
	tail, ok, err := a.Log.AuditTail(ctx)
	if err != nil {
		return 0, fmt.Errorf("load audit tail: %w", err)
	}
	entries, err := a.Log.AuditEntries(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("load audit entries: %w", err)
	}
	if !ok {
		if len(entries) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %d entries without a tail", ErrAuditGap, len(entries))
	}
	if err := VerifyAuditChain(entries, start.Key, tail); err != nil {
		return 0, err
	}
	return tail.Seq, nil
}

// genesis is the state before the first entry. A_0 comes from the lowest
// master key so that rotating the current key never breaks verification.
func (a *Auditor) genesis() (AuditTail, error) {
	master, err := a.ring.Key(a.ring.BaseVersion())
	if err != nil {
		return AuditTail{}, err
	}
	k, err := deriveKey(master[:], a.ring.Pepper(), infoAuditChain)
	if err != nil {
		return AuditTail{}, fmt.Errorf("derive audit chain key: %w", err)
	}
	var t AuditTail
	copy(t.Key[:], k)
	return t, nil
}

func (a *Auditor) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Auditor) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// VerifyAuditChain checks entries, which must start at Seq 1, against the
// genesis key a0 and requires the replay to end exactly at tail.
func VerifyAuditChain(entries []AuditEntry, a0 [KeySize]byte, tail AuditTail) error {
	state := AuditTail{Key: a0}
	for _, e := range entries {
		if e.Seq != state.Seq+1 {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrAuditGap, state.Seq+1, e.Seq)
		}
		want, next, err := sealAudit(state, e)
		if err != nil {
			return fmt.Errorf("%w: seq %d: %w", ErrAuditTagMismatch, e.Seq, err)
		}
		if !want.Tag.Equal(e.Tag) {
			return fmt.Errorf("%w: seq %d", ErrAuditTagMismatch, e.Seq)
		}
		state = next
	}
	if state.Seq != tail.Seq {
		return fmt.Errorf("%w: chain ends at %d, tail at %d", ErrAuditGap, state.Seq, tail.Seq)
	}
	if !state.Tag.Equal(tail.Tag) || !hmac.Equal(state.Key[:], tail.Key[:]) {
		return fmt.Errorf("%w: tail", ErrAuditTagMismatch)
	}
	return nil
}

// sealAudit assigns e the next sequence number after prev and computes its tag.
//
//	first entry:  μ_1 = H(tag_1)
//	later:        μ_i = H(μ_{i-1} || tag_i)
func sealAudit(prev AuditTail, e AuditEntry) (AuditEntry, AuditTail, error) {
	key := prev.Key
	fwdKey(&key)
	e.Seq = prev.Seq + 1

	msg, err := auditMessage(e)
	if err != nil {
		return AuditEntry{}, AuditTail{}, err
	}
	var idx, ts [8]byte
	binary.BigEndian.PutUint64(idx[:], e.Seq)
	binary.BigEndian.PutUint64(ts[:], uint64(e.At.UnixNano()))
	m := mac(key[:], idx[:], ts[:], msg)

	if prev.Seq == 0 {
		e.Tag = htag(m)
	} else {
		e.Tag = fold(prev.Tag, m)
	}
	return e, AuditTail{Seq: e.Seq, Key: key, Tag: e.Tag}, nil
}

// Field numbers of the authenticated audit message.
const (
	auditFieldID        protowire.Number = 1
	auditFieldGuild     protowire.Number = 2
	auditFieldAction    protowire.Number = 3
	auditFieldModerator protowire.Number = 4
	auditFieldTarget    protowire.Number = 5
	auditFieldParam     protowire.Number = 6
	auditFieldSuccess   protowire.Number = 7

	auditParamKey   protowire.Number = 1
	auditParamValue protowire.Number = 2
)

// auditMessage encodes the MACed body of e deterministically. Params are
// written in key order.
func auditMessage(e AuditEntry) ([]byte, error) {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   string
	}{
		{auditFieldID, e.ID},
		{auditFieldGuild, e.GuildID},
		{auditFieldAction, e.Action},
		{auditFieldModerator, e.Moderator},
	} {
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.v)
	}
	if e.Target != nil {
		env, err := e.Target.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode audit target: %w", err)
		}
		b = protowire.AppendTag(b, auditFieldTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, env)
	}
	keys := make([]string, 0, len(e.Params))
	for k := range e.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var kv []byte
		kv = protowire.AppendTag(kv, auditParamKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, auditParamValue, protowire.BytesType)
		kv = protowire.AppendString(kv, e.Params[k])
		b = protowire.AppendTag(b, auditFieldParam, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	b = protowire.AppendTag(b, auditFieldSuccess, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(e.Success))
	return b, nil
}

// fwdKey performs forward-secure key evolution: K_i = H(K_{i-1}).
func fwdKey(k *[KeySize]byte) { h := sha256.Sum256(k[:]); copy(k[:], h[:]) }

func htag(t Tag) Tag { return sha256.Sum256(t[:]) }

func fold(prev, m Tag) Tag {
	h := sha256.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(m[:])
	var out Tag
	copy(out[:], h.Sum(nil))
	return out
}
