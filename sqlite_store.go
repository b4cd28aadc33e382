package pseudonym

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS guild_secrets (
  guild_id   TEXT    PRIMARY KEY,
  secret     BLOB    NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS global_secret (
  id         INTEGER PRIMARY KEY CHECK(id=1),
  secret     BLOB    NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  guild_id    TEXT    NOT NULL,
  channel_id  TEXT    NOT NULL,
  message_id  TEXT    NOT NULL,
  identity    BLOB    NOT NULL,   -- EncryptedIdentity envelope
  search_tag  BLOB    NOT NULL,
  global_sig  BLOB    NOT NULL,
  daily_sig   BLOB    NOT NULL,
  pseudonym   TEXT    NOT NULL,
  content     TEXT    NOT NULL,
  converted   INTEGER NOT NULL DEFAULT 0,
  created_at  INTEGER NOT NULL,   -- unix nanos
  deleted_at  INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS posts_guild_message_uq ON posts(guild_id, message_id);
CREATE INDEX IF NOT EXISTS posts_guild_created_idx ON posts(guild_id, created_at);
CREATE INDEX IF NOT EXISTS posts_created_idx ON posts(created_at);
CREATE TABLE IF NOT EXISTS anon_mappings (
  guild_id   TEXT    NOT NULL,
  channel_id TEXT    NOT NULL,
  signature  BLOB    NOT NULL,
  pseudonym  TEXT    NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (guild_id, channel_id, signature)
);
CREATE TABLE IF NOT EXISTS rate_limits (
  id     INTEGER PRIMARY KEY AUTOINCREMENT,
  key    BLOB    NOT NULL,
  action TEXT    NOT NULL,
  ts     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limits_key_ts_idx ON rate_limits(key, ts);
CREATE TABLE IF NOT EXISTS audit_log (
  seq       INTEGER PRIMARY KEY,
  id        TEXT    NOT NULL UNIQUE,
  guild_id  TEXT    NOT NULL,
  action    TEXT    NOT NULL,
  moderator TEXT    NOT NULL,
  target    BLOB,
  params    TEXT,
  success   INTEGER NOT NULL,
  at        INTEGER NOT NULL,
  tag       BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_guild_seq_idx ON audit_log(guild_id, seq);
CREATE TABLE IF NOT EXISTS audit_chain (
  id  INTEGER PRIMARY KEY CHECK(id=1),
  seq INTEGER NOT NULL,
  key BLOB    NOT NULL,   -- A_seq
  tag BLOB    NOT NULL    -- aggregate tag after seq
);
CREATE TABLE IF NOT EXISTS bans (
  guild_id   TEXT    NOT NULL,   -- '' for global bans
  key        BLOB    NOT NULL,
  moderator  TEXT    NOT NULL,
  reason     TEXT    NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (guild_id, key)
);
`

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// GuildSecret returns the guild's secret, creating it on first use. Racing
// creators both insert-or-ignore and then read the single surviving row.
func (s *sqliteStore) GuildSecret(ctx context.Context, guildID string) (GuildSecret, error) {
	fresh, err := newSecret()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_secrets(guild_id, secret, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id) DO NOTHING`,
		guildID, fresh, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("create guild secret: %w", err)
	}
	var secret []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM guild_secrets WHERE guild_id=?`, guildID).Scan(&secret); err != nil {
		return nil, fmt.Errorf("read guild secret: %w", err)
	}
	if len(secret) != SaltSize {
		return nil, fmt.Errorf("invalid guild secret size %d", len(secret))
	}
	return GuildSecret(secret), nil
}

// LookupGuildSecret returns the guild's secret without creating one.
func (s *sqliteStore) LookupGuildSecret(ctx context.Context, guildID string) (GuildSecret, error) {
	var secret []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM guild_secrets WHERE guild_id=?`, guildID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read guild secret: %w", err)
	}
	if len(secret) != SaltSize {
		return nil, fmt.Errorf("invalid guild secret size %d", len(secret))
	}
	return GuildSecret(secret), nil
}

// GlobalSecret returns the platform secret, creating it on first use.
func (s *sqliteStore) GlobalSecret(ctx context.Context) (GlobalSecret, error) {
	fresh, err := newSecret()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO global_secret(id, secret, created_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		fresh, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("create global secret: %w", err)
	}
	var secret []byte
	if err := s.db.QueryRowContext(ctx, `SELECT secret FROM global_secret WHERE id=1`).Scan(&secret); err != nil {
		return nil, fmt.Errorf("read global secret: %w", err)
	}
	if len(secret) != SaltSize {
		return nil, fmt.Errorf("invalid global secret size %d", len(secret))
	}
	return GlobalSecret(secret), nil
}

// InsertPost stores p and returns its assigned ID.
func (s *sqliteStore) InsertPost(ctx context.Context, p Post) (int64, error) {
	identity, err := p.Identity.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("encode identity: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(guild_id, channel_id, message_id, identity, search_tag, global_sig,
		   daily_sig, pseudonym, content, converted, created_at, deleted_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.GuildID, p.ChannelID, p.MessageID, identity, p.SearchTag[:], p.GlobalSignature[:],
		p.DailySignature[:], p.Pseudonym, p.Content, p.Converted, p.CreatedAt.UnixNano(), nullTime(p.DeletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const postColumns = `id, guild_id, channel_id, message_id, identity, search_tag, global_sig,
  daily_sig, pseudonym, content, converted, created_at, deleted_at`

// PostByMessage looks up one post by its platform message ID.
func (s *sqliteStore) PostByMessage(ctx context.Context, guildID, messageID string) (Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE guild_id=? AND message_id=?`, guildID, messageID)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}

// ScanPosts returns posts matching f, newest first.
func (s *sqliteStore) ScanPosts(ctx context.Context, f PostFilter) ([]Post, error) {
	var where []string
	var args []any
	if f.GuildID != "" {
		where = append(where, "guild_id = ?")
		args = append(args, f.GuildID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	switch f.Deleted {
	case ExcludeDeleted:
		where = append(where, "deleted_at IS NULL")
	case OnlyDeleted:
		where = append(where, "deleted_at IS NOT NULL")
	}
	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if errors.Is(err, ErrCorruptRecord) {
			slog.Default().Warn("skipping undecodable post", "post_id", p.ID, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkDeleted soft-deletes a post.
func (s *sqliteStore) MarkDeleted(ctx context.Context, guildID, messageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET deleted_at=? WHERE guild_id=? AND message_id=? AND deleted_at IS NULL`,
		at.UnixNano(), guildID, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var (
		p                         Post
		identity, tag, gsig, dsig []byte
		createdAt                 int64
		deletedAt                 sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.GuildID, &p.ChannelID, &p.MessageID, &identity, &tag, &gsig,
		&dsig, &p.Pseudonym, &p.Content, &p.Converted, &createdAt, &deletedAt); err != nil {
		return Post{}, err
	}
	// Decode failures still return the ID so callers can report the row.
	bad := Post{ID: p.ID}
	if err := p.Identity.UnmarshalBinary(identity); err != nil {
		return bad, fmt.Errorf("%w: post %d: %w", ErrCorruptRecord, p.ID, err)
	}
	var err error
	if p.SearchTag, err = TagFromBytes(tag); err != nil {
		return bad, fmt.Errorf("%w: post %d search tag: %w", ErrCorruptRecord, p.ID, err)
	}
	if p.GlobalSignature, err = TagFromBytes(gsig); err != nil {
		return bad, fmt.Errorf("%w: post %d global signature: %w", ErrCorruptRecord, p.ID, err)
	}
	if p.DailySignature, err = TagFromBytes(dsig); err != nil {
		return bad, fmt.Errorf("%w: post %d daily signature: %w", ErrCorruptRecord, p.ID, err)
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		p.DeletedAt = &t
	}
	return p, nil
}

// GetMapping returns the stored mapping regardless of age.
func (s *sqliteStore) GetMapping(ctx context.Context, scope Scope, sig Tag) (PseudonymMapping, error) {
	m := PseudonymMapping{Scope: scope, Signature: sig}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT pseudonym, created_at FROM anon_mappings WHERE guild_id=? AND channel_id=? AND signature=?`,
		scope.GuildID, scope.ChannelID, sig[:]).Scan(&m.Pseudonym, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PseudonymMapping{}, ErrNotFound
	}
	if err != nil {
		return PseudonymMapping{}, err
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return m, nil
}

// InsertMapping inserts m unless its key exists, in which case it reports
// ErrDuplicatePseudonymMapping.
func (s *sqliteStore) InsertMapping(ctx context.Context, m PseudonymMapping) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO anon_mappings(guild_id, channel_id, signature, pseudonym, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, channel_id, signature) DO NOTHING`,
		m.GuildID, m.ChannelID, m.Signature[:], m.Pseudonym, m.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicatePseudonymMapping
	}
	return nil
}

// ReplaceExpiredMapping swaps in m only while the stored row predates cutoff.
func (s *sqliteStore) ReplaceExpiredMapping(ctx context.Context, m PseudonymMapping, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anon_mappings SET pseudonym=?, created_at=?
		 WHERE guild_id=? AND channel_id=? AND signature=? AND created_at < ?`,
		m.Pseudonym, m.CreatedAt.UnixNano(), m.GuildID, m.ChannelID, m.Signature[:], cutoff.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordUse appends one ledger entry.
func (s *sqliteStore) RecordUse(ctx context.Context, key Tag, action string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits(key, action, ts) VALUES(?, ?, ?)`, key[:], action, ts.UnixNano())
	return err
}

// CountSince counts ledger entries for key strictly after since.
func (s *sqliteStore) CountSince(ctx context.Context, key Tag, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limits WHERE key=? AND ts > ?`, key[:], since.UnixNano()).Scan(&n)
	return n, err
}

// PruneBefore deletes ledger entries older than cutoff.
func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AuditTail returns the stored chain state.
func (s *sqliteStore) AuditTail(ctx context.Context) (AuditTail, bool, error) {
	var (
		t        AuditTail
		key, tag []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT seq, key, tag FROM audit_chain WHERE id=1`).Scan(&t.Seq, &key, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditTail{}, false, nil
	}
	if err != nil {
		return AuditTail{}, false, err
	}
	if len(key) != KeySize {
		return AuditTail{}, false, fmt.Errorf("invalid audit chain key size %d", len(key))
	}
	copy(t.Key[:], key)
	if t.Tag, err = TagFromBytes(tag); err != nil {
		return AuditTail{}, false, fmt.Errorf("audit chain tag: %w", err)
	}
	return t, true, nil
}

// AppendAudit stores e and moves the chain tail to next in one transaction.
func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry, next AuditTail) (err error) {
	var target []byte
	if e.Target != nil {
		if target, err = e.Target.MarshalBinary(); err != nil {
			return fmt.Errorf("encode audit target: %w", err)
		}
	}
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("encode audit params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cur uint64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM audit_chain WHERE id=1`).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if cur+1 != e.Seq || next.Seq != e.Seq {
		return fmt.Errorf("%w: tail at %d, entry %d", ErrAuditConflict, cur, e.Seq)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log(seq, id, guild_id, action, moderator, target, params, success, at, tag)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.GuildID, e.Action, e.Moderator, target, string(params), e.Success,
		e.At.UnixNano(), e.Tag[:]); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO audit_chain(id, seq, key, tag) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seq=excluded.seq, key=excluded.key, tag=excluded.tag`,
		next.Seq, next.Key[:], next.Tag[:]); err != nil {
		return err
	}
	return tx.Commit()
}

const auditColumns = `seq, id, guild_id, action, moderator, target, params, success, at, tag`

// ListAudit returns up to limit entries, newest first.
func (s *sqliteStore) ListAudit(ctx context.Context, guildID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	var args []any
	if guildID != "" {
		query += ` WHERE guild_id=?`
		args = append(args, guildID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	return s.queryAudit(ctx, query, args...)
}

// AuditEntries returns entries from seq onwards in chain order.
func (s *sqliteStore) AuditEntries(ctx context.Context, from uint64) ([]AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq >= ? ORDER BY seq`, from)
}

func (s *sqliteStore) queryAudit(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e           AuditEntry
			target, tag []byte
			params      sql.NullString
			at          int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.GuildID, &e.Action, &e.Moderator, &target, &params,
			&e.Success, &at, &tag); err != nil {
			return nil, err
		}
		if len(target) > 0 {
			var id EncryptedIdentity
			if err := id.UnmarshalBinary(target); err != nil {
				return nil, fmt.Errorf("audit %s target: %w", e.ID, err)
			}
			e.Target = &id
		}
		if params.Valid && params.String != "" && params.String != "null" {
			if err := json.Unmarshal([]byte(params.String), &e.Params); err != nil {
				return nil, fmt.Errorf("audit %s params: %w", e.ID, err)
			}
		}
		if e.Tag, err = TagFromBytes(tag); err != nil {
			return nil, fmt.Errorf("audit %s tag: %w", e.ID, err)
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddBan stores b unless the key is already banned in that scope.
func (s *sqliteStore) AddBan(ctx context.Context, b Ban) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(guild_id, key, moderator, reason, created_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, key) DO NOTHING`,
		b.GuildID, b.Key[:], b.Moderator, b.Reason, b.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyBanned
	}
	return nil
}

// RemoveBan lifts a ban.
func (s *sqliteStore) RemoveBan(ctx context.Context, guildID string, key Tag) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE guild_id=? AND key=?`, guildID, key[:])
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsBanned reports whether key is banned in guildID.
func (s *sqliteStore) IsBanned(ctx context.Context, guildID string, key Tag) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bans WHERE guild_id=? AND key=?`, guildID, key[:]).Scan(&n)
	return n > 0, err
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
