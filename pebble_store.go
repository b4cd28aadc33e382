package pseudonym

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// pebbleStore implements Store on an embedded Pebble LSM. Pebble locks its
// directory, so one process owns the store; mu serializes read-modify-write
// sequences so the mapping uniqueness and secret creation hold.
//
// Key layout (timestamps are order-preserving uint64 of unix nanos):
//
//	s/g/<guild>                         guild secret
//	s/global                            platform secret
//	q/post                              last post id
//	p/<id>                              post JSON
//	pm/<guild>\x00<message>             post id
//	pt/<ts><id>                         post id (global time index)
//	pg/<guild>\x00<ts><id>              post id (guild time index)
//	m/<guild>\x00<channel>\x00<sig>     mapping JSON
//	r/<key><ts><seq>                    ledger action
//	a/<seq>                             audit JSON
//	c/audit                             audit chain tail JSON
//	b/<guild>\x00<key>                  ban JSON (guild empty for global bans)
type pebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq uint64
}

var (
	keyGlobalSecret = []byte("s/global")
	keyPostSeq      = []byte("q/post")
	keyAuditTail    = []byte("c/audit")
)

type auditTailRecord struct {
	Seq uint64 `json:"seq"`
	Key []byte `json:"key"`
	Tag Tag    `json:"tag"`
}

type banRecord struct {
	Moderator string    `json:"moderator"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type mappingRecord struct {
	Pseudonym string    `json:"pseudonym"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenPebbleStore opens or creates a Pebble store in dir.
func OpenPebbleStore(dir string) (Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Close() error { return s.db.Close() }

func (s *pebbleStore) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pebbleStore) secret(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.get(key)
	if err == nil {
		if len(v) != SaltSize {
			return nil, fmt.Errorf("invalid secret size %d", len(v))
		}
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	fresh, err := newSecret()
	if err != nil {
		return nil, err
	}
	if err := s.db.Set(key, fresh, pebble.Sync); err != nil {
		return nil, err
	}
	return fresh, nil
}

// GuildSecret returns the guild's secret, creating it on first use.
func (s *pebbleStore) GuildSecret(_ context.Context, guildID string) (GuildSecret, error) {
	v, err := s.secret([]byte("s/g/" + guildID))
	if err != nil {
		return nil, fmt.Errorf("guild secret: %w", err)
	}
	return GuildSecret(v), nil
}

// LookupGuildSecret returns the guild's secret without creating one.
func (s *pebbleStore) LookupGuildSecret(_ context.Context, guildID string) (GuildSecret, error) {
	v, err := s.get([]byte("s/g/" + guildID))
	if err != nil {
		return nil, err
	}
	if len(v) != SaltSize {
		return nil, fmt.Errorf("invalid secret size %d", len(v))
	}
	return GuildSecret(v), nil
}

// GlobalSecret returns the platform secret, creating it on first use.
func (s *pebbleStore) GlobalSecret(_ context.Context) (GlobalSecret, error) {
	v, err := s.secret(keyGlobalSecret)
	if err != nil {
		return nil, fmt.Errorf("global secret: %w", err)
	}
	return GlobalSecret(v), nil
}

func sortableTime(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano())^(1<<63))
	return b[:]
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func postKey(id int64) []byte { return concat([]byte("p/"), be64(uint64(id))) }

func postMessageKey(guildID, messageID string) []byte {
	return []byte("pm/" + guildID + "\x00" + messageID)
}

func guildTimePrefix(guildID string) []byte { return []byte("pg/" + guildID + "\x00") }

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// InsertPost stores p and returns its assigned ID.
func (s *pebbleStore) InsertPost(_ context.Context, p Post) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := postMessageKey(p.GuildID, p.MessageID)
	if _, err := s.get(mk); err == nil {
		return 0, fmt.Errorf("post %s/%s already exists", p.GuildID, p.MessageID)
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	var last uint64
	if v, err := s.get(keyPostSeq); err == nil {
		last = binary.BigEndian.Uint64(v)
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	p.ID = int64(last + 1)
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode post: %w", err)
	}
	id := be64(uint64(p.ID))
	ts := sortableTime(p.CreatedAt)

	b := s.db.NewBatch()
	defer b.Close()
	for _, kv := range [][2][]byte{
		{keyPostSeq, id},
		{postKey(p.ID), data},
		{mk, id},
		{concat([]byte("pt/"), ts, id), id},
		{concat(guildTimePrefix(p.GuildID), ts, id), id},
	} {
		if err := b.Set(kv[0], kv[1], nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return p.ID, nil
}

func (s *pebbleStore) postByID(id []byte) (Post, error) {
	v, err := s.get(concat([]byte("p/"), id))
	if err != nil {
		return Post{}, err
	}
	var p Post
	if err := json.Unmarshal(v, &p); err != nil {
		return Post{}, fmt.Errorf("%w: post %d: %w", ErrCorruptRecord, binary.BigEndian.Uint64(id), err)
	}
	return p, nil
}

// PostByMessage looks up one post by its platform message ID.
func (s *pebbleStore) PostByMessage(_ context.Context, guildID, messageID string) (Post, error) {
	id, err := s.get(postMessageKey(guildID, messageID))
	if err != nil {
		return Post{}, err
	}
	return s.postByID(id)
}

// ScanPosts walks the guild or global time index backwards, newest first.
func (s *pebbleStore) ScanPosts(ctx context.Context, f PostFilter) ([]Post, error) {
	prefix := []byte("pt/")
	if f.GuildID != "" {
		prefix = guildTimePrefix(f.GuildID)
	}
	lower := prefix
	if !f.Since.IsZero() {
		lower = concat(prefix, sortableTime(f.Since))
	}
	upper := prefixEnd(prefix)
	if !f.Until.IsZero() {
		upper = concat(prefix, sortableTime(f.Until))
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Post
	for iter.Last(); iter.Valid(); iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.postByID(iter.Value())
		if errors.Is(err, ErrCorruptRecord) {
			slog.Default().Warn("skipping undecodable post", "post_id", binary.BigEndian.Uint64(iter.Value()), "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.match(p) {
			out = append(out, p)
		}
	}
	return out, iter.Error()
}

// MarkDeleted soft-deletes a post.
func (s *pebbleStore) MarkDeleted(_ context.Context, guildID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.get(postMessageKey(guildID, messageID))
	if err != nil {
		return err
	}
	p, err := s.postByID(id)
	if err != nil {
		return err
	}
	if p.DeletedAt != nil {
		return ErrNotFound
	}
	at = at.UTC()
	p.DeletedAt = &at
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}
	return s.db.Set(postKey(p.ID), data, pebble.Sync)
}

func mappingKey(scope Scope, sig Tag) []byte {
	return concat([]byte("m/"+scope.GuildID+"\x00"+scope.ChannelID+"\x00"), sig[:])
}

func (s *pebbleStore) getMapping(scope Scope, sig Tag) (PseudonymMapping, error) {
	v, err := s.get(mappingKey(scope, sig))
	if err != nil {
		return PseudonymMapping{}, err
	}
	var rec mappingRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return PseudonymMapping{}, fmt.Errorf("decode mapping: %w", err)
	}
	return PseudonymMapping{Scope: scope, Signature: sig, Pseudonym: rec.Pseudonym, CreatedAt: rec.CreatedAt}, nil
}

func (s *pebbleStore) putMapping(m PseudonymMapping) error {
	data, err := json.Marshal(mappingRecord{Pseudonym: m.Pseudonym, CreatedAt: m.CreatedAt.UTC()})
	if err != nil {
		return err
	}
	return s.db.Set(mappingKey(m.Scope, m.Signature), data, pebble.Sync)
}

// GetMapping returns the stored mapping regardless of age.
func (s *pebbleStore) GetMapping(_ context.Context, scope Scope, sig Tag) (PseudonymMapping, error) {
	return s.getMapping(scope, sig)
}

// InsertMapping inserts m unless its key exists.
func (s *pebbleStore) InsertMapping(_ context.Context, m PseudonymMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getMapping(m.Scope, m.Signature); err == nil {
		return ErrDuplicatePseudonymMapping
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.putMapping(m)
}

// ReplaceExpiredMapping swaps in m only while the stored mapping predates cutoff.
func (s *pebbleStore) ReplaceExpiredMapping(_ context.Context, m PseudonymMapping, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getMapping(m.Scope, m.Signature)
	if err != nil {
		return false, err
	}
	if !cur.CreatedAt.Before(cutoff) {
		return false, nil
	}
	if err := s.putMapping(m); err != nil {
		return false, err
	}
	return true, nil
}

func ledgerPrefix(key Tag) []byte { return concat([]byte("r/"), key[:]) }

// RecordUse appends one ledger entry.
func (s *pebbleStore) RecordUse(_ context.Context, key Tag, action string, ts time.Time) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	k := concat(ledgerPrefix(key), sortableTime(ts), be64(seq))
	return s.db.Set(k, []byte(action), pebble.Sync)
}

// CountSince counts ledger entries for key strictly after since.
func (s *pebbleStore) CountSince(_ context.Context, key Tag, since time.Time) (int, error) {
	prefix := ledgerPrefix(key)
	lower := concat(prefix, sortableTime(since.Add(time.Nanosecond)))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// PruneBefore deletes ledger entries older than cutoff.
func (s *pebbleStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	prefix := []byte("r/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	limit := sortableTime(cutoff)
	tsAt := len(prefix) + len(Tag{})
	b := s.db.NewBatch()
	defer b.Close()
	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		k := iter.Key()
		if len(k) < tsAt+8 || bytes.Compare(k[tsAt:tsAt+8], limit) >= 0 {
			continue
		}
		if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

func auditKey(seq uint64) []byte { return concat([]byte("a/"), be64(seq)) }

func (s *pebbleStore) auditTail() (AuditTail, bool, error) {
	v, err := s.get(keyAuditTail)
	if errors.Is(err, ErrNotFound) {
		return AuditTail{}, false, nil
	}
	if err != nil {
		return AuditTail{}, false, err
	}
	var rec auditTailRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return AuditTail{}, false, fmt.Errorf("decode audit tail: %w", err)
	}
	if len(rec.Key) != KeySize {
		return AuditTail{}, false, fmt.Errorf("invalid audit chain key size %d", len(rec.Key))
	}
	t := AuditTail{Seq: rec.Seq, Tag: rec.Tag}
	copy(t.Key[:], rec.Key)
	return t, true, nil
}

// AuditTail returns the stored chain state.
func (s *pebbleStore) AuditTail(context.Context) (AuditTail, bool, error) {
	return s.auditTail()
}

// AppendAudit writes e and the new tail in one batch.
func (s *pebbleStore) AppendAudit(_ context.Context, e AuditEntry, next AuditTail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _, err := s.auditTail()
	if err != nil {
		return err
	}
	if cur.Seq+1 != e.Seq || next.Seq != e.Seq {
		return fmt.Errorf("%w: tail at %d, entry %d", ErrAuditConflict, cur.Seq, e.Seq)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	tail, err := json.Marshal(auditTailRecord{Seq: next.Seq, Key: next.Key[:], Tag: next.Tag})
	if err != nil {
		return fmt.Errorf("encode audit tail: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(auditKey(e.Seq), data, nil); err != nil {
		return err
	}
	if err := b.Set(keyAuditTail, tail, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ListAudit returns up to limit entries, newest first.
func (s *pebbleStore) ListAudit(_ context.Context, guildID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := []byte("a/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []AuditEntry
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var e AuditEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		if guildID != "" && e.GuildID != guildID {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// AuditEntries returns entries from seq onwards in chain order.
func (s *pebbleStore) AuditEntries(ctx context.Context, from uint64) ([]AuditEntry, error) {
	prefix := []byte("a/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: auditKey(from), UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []AuditEntry
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func banKey(guildID string, key Tag) []byte {
	return concat([]byte("b/"+guildID+"\x00"), key[:])
}

// AddBan stores b unless the key is already banned in that scope.
func (s *pebbleStore) AddBan(_ context.Context, b Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := banKey(b.GuildID, b.Key)
	if _, err := s.get(k); err == nil {
		return ErrAlreadyBanned
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	data, err := json.Marshal(banRecord{Moderator: b.Moderator, Reason: b.Reason, CreatedAt: b.CreatedAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode ban: %w", err)
	}
	return s.db.Set(k, data, pebble.Sync)
}

// RemoveBan lifts a ban.
func (s *pebbleStore) RemoveBan(_ context.Context, guildID string, key Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := banKey(guildID, key)
	if _, err := s.get(k); err != nil {
		return err
	}
	return s.db.Delete(k, pebble.Sync)
}

// IsBanned reports whether key is banned in guildID.
func (s *pebbleStore) IsBanned(_ context.Context, guildID string, key Tag) (bool, error) {
	_, err := s.get(banKey(guildID, key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
