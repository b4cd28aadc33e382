package pseudonym

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrCorruptRecord marks a stored record that no longer decodes. Scans skip such records.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrAlreadyBanned is returned by AddBan when the key is already banned in that scope.
	ErrAlreadyBanned = errors.New("already banned")
)

// Post is the persisted record of one anonymous message. Only Identity is
// reversible; the tags and signatures are one-way.
type Post struct {
	ID              int64
	GuildID         string
	ChannelID       string
	MessageID       string
	Identity        EncryptedIdentity
	SearchTag       Tag
	GlobalSignature Tag
	DailySignature  Tag
	Pseudonym       string
	Content         string
	Converted       bool
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

// DeletedFilter selects how soft-deleted posts are treated by a scan.
type DeletedFilter int

const (
	// ExcludeDeleted skips posts that have been deleted.
	ExcludeDeleted DeletedFilter = iota
	// IncludeDeleted returns deleted and live posts.
	IncludeDeleted
	// OnlyDeleted returns only deleted posts.
	OnlyDeleted
)

// PostFilter bounds a range scan. An empty GuildID scans every guild.
// Zero Since/Until leave that end open.
type PostFilter struct {
	GuildID string
	Since   time.Time
	Until   time.Time
	Deleted DeletedFilter
}

func (f PostFilter) match(p Post) bool {
	if f.GuildID != "" && p.GuildID != f.GuildID {
		return false
	}
	if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !p.CreatedAt.Before(f.Until) {
		return false
	}
	switch f.Deleted {
	case ExcludeDeleted:
		return p.DeletedAt == nil
	case OnlyDeleted:
		return p.DeletedAt != nil
	}
	return true
}

// AuditEntry records one moderator action. The target is stored encrypted.
// Seq and Tag place the entry in the audit chain.
type AuditEntry struct {
	Seq       uint64             `json:"seq"`
	ID        string             `json:"id"`
	GuildID   string             `json:"guild_id"`
	Action    string             `json:"action"`
	Moderator string             `json:"moderator"`
	Target    *EncryptedIdentity `json:"target,omitempty"`
	Params    map[string]string  `json:"params,omitempty"`
	Success   bool               `json:"success"`
	At        time.Time          `json:"at"`
	Tag       Tag                `json:"tag"`
}

// Ban bars a keyed user hash from posting in one guild, or everywhere when
// GuildID is empty. The user ID itself is never stored.
type Ban struct {
	GuildID   string
	Key       Tag
	Moderator string
	Reason    string
	CreatedAt time.Time
}

// SecretStore lazily creates and returns the per-guild and platform secrets.
// Concurrent first uses must converge on one value.
type SecretStore interface {
	GuildSecret(ctx context.Context, guildID string) (GuildSecret, error)
	GlobalSecret(ctx context.Context) (GlobalSecret, error)
	// LookupGuildSecret returns an existing guild secret, or ErrNotFound.
	LookupGuildSecret(ctx context.Context, guildID string) (GuildSecret, error)
}

// PostStore persists posts and scans them by time range.
type PostStore interface {
	InsertPost(ctx context.Context, p Post) (int64, error)
	PostByMessage(ctx context.Context, guildID, messageID string) (Post, error)
	// ScanPosts returns matching posts newest first. Records that fail to
	// decode are logged and skipped.
	ScanPosts(ctx context.Context, f PostFilter) ([]Post, error)
	MarkDeleted(ctx context.Context, guildID, messageID string, at time.Time) error
}

// MappingStore persists pseudonym mappings under a uniqueness constraint on
// (GuildID, ChannelID, Signature).
type MappingStore interface {
	GetMapping(ctx context.Context, scope Scope, sig Tag) (PseudonymMapping, error)
	// InsertMapping returns ErrDuplicatePseudonymMapping when the key already exists.
	InsertMapping(ctx context.Context, m PseudonymMapping) error
	// ReplaceExpiredMapping overwrites the stored mapping only if it was created
	// before cutoff, reporting whether it did.
	ReplaceExpiredMapping(ctx context.Context, m PseudonymMapping, cutoff time.Time) (bool, error)
}

// AuditLog stores moderator actions as a hash chain.
type AuditLog interface {
	// AuditTail returns the chain state after the newest entry; ok is false
	// while the log is empty.
	AuditTail(ctx context.Context) (tail AuditTail, ok bool, err error)
	// AppendAudit stores a sealed entry and moves the tail to next. It fails
	// with ErrAuditConflict unless the stored tail is at e.Seq-1.
	AppendAudit(ctx context.Context, e AuditEntry, next AuditTail) error
	// ListAudit returns the newest entries first; an empty guildID lists all guilds.
	ListAudit(ctx context.Context, guildID string, limit int) ([]AuditEntry, error)
	// AuditEntries returns entries with Seq >= from in chain order.
	AuditEntries(ctx context.Context, from uint64) ([]AuditEntry, error)
}

// BanStore persists bans. An empty guildID is the global scope.
type BanStore interface {
	// AddBan returns ErrAlreadyBanned when the key is already banned in that scope.
	AddBan(ctx context.Context, b Ban) error
	// RemoveBan returns ErrNotFound when there is no such ban.
	RemoveBan(ctx context.Context, guildID string, key Tag) error
	IsBanned(ctx context.Context, guildID string, key Tag) (bool, error)
}

// Store is everything the engine persists.
type Store interface {
	SecretStore
	PostStore
	MappingStore
	RateLimitLedger
	AuditLog
	BanStore
	io.Closer
}

func newSecret() ([]byte, error) {
	b := make([]byte, SaltSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
