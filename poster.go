package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	// ErrMessageTooLong is returned when content exceeds the guild's maximum length.
	ErrMessageTooLong = errors.New("message too long")
	// ErrGateRejected wraps the reason a Gate refused a post.
	ErrGateRejected = errors.New("post rejected")
	// ErrNotAuthor is returned when a non-admin tries to delete someone else's post.
	ErrNotAuthor = errors.New("not the author of this post")
)

// Default guild settings.
const (
	DefaultRateLimitCount   = 3
	DefaultRateLimitWindow  = 60 * time.Second
	DefaultRotationWindow   = 24 * time.Hour
	DefaultMaxMessageLength = 2000
	DefaultPseudonymFormat  = "anon_{id}"
)

// Settings are the per-guild knobs of the posting pipeline.
type Settings struct {
	RateLimitCount   int
	RateLimitWindow  time.Duration
	RotationWindow   time.Duration
	MaxMessageLength int
	// PseudonymFormat renders display names; "{id}" is replaced by the pseudonym.
	PseudonymFormat string
	// Location sets day boundaries for daily signatures and rate-limit buckets.
	Location *time.Location
}

// DefaultSettings returns the built-in guild settings.
func DefaultSettings() Settings {
	return Settings{
		RateLimitCount:   DefaultRateLimitCount,
		RateLimitWindow:  DefaultRateLimitWindow,
		RotationWindow:   DefaultRotationWindow,
		MaxMessageLength: DefaultMaxMessageLength,
		PseudonymFormat:  DefaultPseudonymFormat,
		Location:         time.UTC,
	}
}

// withDefaults fills unset fields. Rate-limit fields are left alone: zero disables limiting.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.RotationWindow <= 0 {
		s.RotationWindow = d.RotationWindow
	}
	if s.MaxMessageLength <= 0 {
		s.MaxMessageLength = d.MaxMessageLength
	}
	if s.PseudonymFormat == "" {
		s.PseudonymFormat = d.PseudonymFormat
	}
	if s.Location == nil {
		s.Location = d.Location
	}
	return s
}

// DisplayName renders pseudonym with the guild's format.
func (s Settings) DisplayName(pseudonym string) string {
	format := s.PseudonymFormat
	if format == "" {
		format = DefaultPseudonymFormat
	}
	return strings.ReplaceAll(format, "{id}", pseudonym)
}

// SettingsSource supplies per-guild settings.
type SettingsSource interface {
	GuildSettings(ctx context.Context, guildID string) (Settings, error)
}

// StaticSettings serves the same settings to every guild.
type StaticSettings Settings

// GuildSettings implements SettingsSource.
func (s StaticSettings) GuildSettings(context.Context, string) (Settings, error) {
	return Settings(s), nil
}

type cachedSettings struct {
	settings Settings
	expires  time.Time
}

// CachedSettings memoizes a SettingsSource for TTL. Refresh drops one guild's entry.
type CachedSettings struct {
	Source SettingsSource
	TTL    time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	entries map[string]cachedSettings
}

// NewCachedSettings wraps src with a ttl cache.
func NewCachedSettings(src SettingsSource, ttl time.Duration) *CachedSettings {
	return &CachedSettings{Source: src, TTL: ttl}
}

// GuildSettings implements SettingsSource.
func (c *CachedSettings) GuildSettings(ctx context.Context, guildID string) (Settings, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[guildID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.settings, nil
	}
	c.mu.Unlock()

	s, err := c.Source.GuildSettings(ctx, guildID)
	if err != nil {
		return Settings{}, err
	}
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]cachedSettings)
	}
	c.entries[guildID] = cachedSettings{settings: s, expires: now.Add(c.TTL)}
	c.mu.Unlock()
	return s, nil
}

// Refresh invalidates the cached settings of guildID.
func (c *CachedSettings) Refresh(guildID string) {
	c.mu.Lock()
	delete(c.entries, guildID)
	c.mu.Unlock()
}

func (c *CachedSettings) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// PostRequest is one anonymous message submitted for posting.
type PostRequest struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Content   string
	// Converted selects the persistent signature so the pseudonym never rotates.
	Converted bool
	// Global also enforces the platform-wide rate limit.
	Global bool
	// At overrides the post time; zero uses the poster's clock.
	At time.Time
}

// Gate can veto a post before anything is derived or stored.
type Gate interface {
	Check(ctx context.Context, req PostRequest) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, req PostRequest) error

// Check implements Gate.
func (f GateFunc) Check(ctx context.Context, req PostRequest) error { return f(ctx, req) }

// WordFilter refuses posts containing any of Words.
type WordFilter struct {
	Words []string
}

// Check implements Gate.
func (w WordFilter) Check(_ context.Context, req PostRequest) error {
	for _, word := range w.Words {
		if word != "" && strings.Contains(req.Content, word) {
			return fmt.Errorf("content contains blocked word %q", word)
		}
	}
	return nil
}

// Poster runs the posting pipeline: gates, length, rate limits, identity
// encryption, correlation tags, pseudonym resolution and persistence.
type Poster struct {
	Store    Store
	Settings SettingsSource
	Gates    []Gate
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
	// Mint overrides pseudonym generation; nil uses the rotator default.
	Mint func() (string, error)

	ring   *KeyRing
	cipher *IdentityCipher
	tagger *CorrelationTagger
	keyer  *RateLimitKeyer
}

// NewPoster wires a pipeline over ring and store. A nil settings source uses DefaultSettings.
func NewPoster(ring *KeyRing, store Store, settings SettingsSource) *Poster {
	if settings == nil {
		settings = StaticSettings(DefaultSettings())
	}
	return &Poster{
		Store:    store,
		Settings: settings,
		ring:     ring,
		cipher:   NewIdentityCipher(ring),
		tagger:   NewCorrelationTagger(ring),
		keyer:    NewRateLimitKeyer(ring),
	}
}

func (p *Poster) refuse(reason string, err error) error {
	p.Metrics.postRefused(reason)
	p.logger().Info("post refused", "reason", reason)
	return err
}

// Post accepts req and returns the persisted post, or a refusal wrapping
// ErrGateRejected, ErrMessageTooLong or ErrRateLimited.
func (p *Poster) Post(ctx context.Context, req PostRequest) (Post, error) {
	if req.GuildID == "" || req.ChannelID == "" || req.UserID == "" {
		return Post{}, errors.New("guild, channel and user are required")
	}
	now := req.At
	if now.IsZero() {
		now = p.now()
	}
	now = now.UTC()

	settings, err := p.Settings.GuildSettings(ctx, req.GuildID)
	if err != nil {
		return Post{}, fmt.Errorf("load settings: %w", err)
	}
	settings = settings.withDefaults()

	for _, g := range p.Gates {
		if err := g.Check(ctx, req); err != nil {
			return Post{}, p.refuse("gate", fmt.Errorf("%w: %w", ErrGateRejected, err))
		}
	}
	if n := utf8.RuneCountInString(req.Content); n > settings.MaxMessageLength {
		return Post{}, p.refuse("too_long",
			fmt.Errorf("%w: %d > %d", ErrMessageTooLong, n, settings.MaxMessageLength))
	}

	guildSecret, err := p.Store.GuildSecret(ctx, req.GuildID)
	if err != nil {
		return Post{}, fmt.Errorf("load guild secret: %w", err)
	}
	day := DateBucket(now, settings.Location)
	limiter := RateLimiter{Ledger: p.Store, Limit: settings.RateLimitCount, Window: settings.RateLimitWindow}

	// Both limits are checked before anything is written; uses are only
	// recorded once the post is stored.
	key, err := p.keyer.GuildRateLimitKey(req.UserID, guildSecret, day)
	if err != nil {
		return Post{}, fmt.Errorf("rate-limit key: %w", err)
	}
	ok, err := limiter.Check(ctx, key, now)
	if err != nil {
		return Post{}, err
	}
	if !ok {
		return Post{}, p.refuse("rate_limited", ErrRateLimited)
	}
	var gkey Tag
	if req.Global {
		globalSecret, err := p.Store.GlobalSecret(ctx)
		if err != nil {
			return Post{}, fmt.Errorf("load global secret: %w", err)
		}
		gkey, err = p.keyer.GlobalRateLimitKey(req.UserID, globalSecret, p.ring.BaseVersion(), day)
		if err != nil {
			return Post{}, fmt.Errorf("global rate-limit key: %w", err)
		}
		ok, err := limiter.Check(ctx, gkey, now)
		if err != nil {
			return Post{}, err
		}
		if !ok {
			return Post{}, p.refuse("rate_limited", ErrRateLimited)
		}
	}

	identity, err := p.cipher.EncryptCurrent(req.UserID)
	if err != nil {
		return Post{}, fmt.Errorf("encrypt identity: %w", err)
	}
	searchTag, err := p.tagger.GuildSearchTag(req.UserID, guildSecret, now)
	if err != nil {
		return Post{}, fmt.Errorf("search tag: %w", err)
	}
	globalSig, err := p.tagger.GlobalSignature(req.UserID, identity.KeyVersion, now)
	if err != nil {
		return Post{}, fmt.Errorf("global signature: %w", err)
	}
	dailySig, err := p.tagger.DailySignature(req.UserID, guildSecret, day)
	if err != nil {
		return Post{}, fmt.Errorf("daily signature: %w", err)
	}
	rotationSig := dailySig
	if req.Converted {
		if rotationSig, err = p.tagger.PersistentSignature(req.UserID, guildSecret); err != nil {
			return Post{}, fmt.Errorf("persistent signature: %w", err)
		}
	}

	rotator := &PseudonymRotator{Store: p.Store, Logger: p.Logger, Metrics: p.Metrics, Mint: p.Mint}
	name, err := rotator.Resolve(ctx, Scope{GuildID: req.GuildID, ChannelID: req.ChannelID},
		rotationSig, now, settings.RotationWindow)
	if err != nil {
		return Post{}, err
	}

	post := Post{
		GuildID:         req.GuildID,
		ChannelID:       req.ChannelID,
		MessageID:       req.MessageID,
		Identity:        identity,
		SearchTag:       searchTag,
		GlobalSignature: globalSig,
		DailySignature:  dailySig,
		Pseudonym:       name,
		Content:         req.Content,
		Converted:       req.Converted,
		CreatedAt:       now,
	}
	if post.ID, err = p.Store.InsertPost(ctx, post); err != nil {
		return Post{}, fmt.Errorf("store post: %w", err)
	}
	if err := limiter.Record(ctx, key, "post", now); err != nil {
		p.logger().Warn("rate-limit use not recorded", "post_id", post.ID, "err", err)
	}
	if req.Global {
		if err := limiter.Record(ctx, gkey, "global_post", now); err != nil {
			p.logger().Warn("global rate-limit use not recorded", "post_id", post.ID, "err", err)
		}
	}
	p.Metrics.postAccepted()
	p.logger().Info("post accepted",
		"guild", post.GuildID, "channel", post.ChannelID, "post_id", post.ID, "key_version", identity.KeyVersion)
	return post, nil
}

// DeleteRequest asks to soft-delete one post.
type DeleteRequest struct {
	GuildID   string
	MessageID string
	UserID    string
	// Admin skips the authorship check.
	Admin bool
}

// Delete soft-deletes a post. Without Admin the caller must be the author,
// proven by recomputing the post's daily signature.
func (p *Poster) Delete(ctx context.Context, req DeleteRequest) error {
	post, err := p.Store.PostByMessage(ctx, req.GuildID, req.MessageID)
	if err != nil {
		return err
	}
	if post.DeletedAt != nil {
		return ErrNotFound
	}
	if !req.Admin {
		settings, err := p.Settings.GuildSettings(ctx, req.GuildID)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		settings = settings.withDefaults()
		secret, err := p.Store.GuildSecret(ctx, req.GuildID)
		if err != nil {
			return fmt.Errorf("load guild secret: %w", err)
		}
		sig, err := p.tagger.DailySignature(req.UserID, secret, DateBucket(post.CreatedAt, settings.Location))
		if err != nil {
			return err
		}
		if !sig.Equal(post.DailySignature) {
			return ErrNotAuthor
		}
	}
	return p.Store.MarkDeleted(ctx, req.GuildID, req.MessageID, p.now())
}

func (p *Poster) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poster) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
