package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned by the posting pipeline when a user exceeded the limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// DateBucket formats t as a day bucket in loc (UTC when loc is nil).
func DateBucket(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// RateLimitKeyer derives opaque per-user-per-day counting keys. The keys use a
// different derivation label from search tags so one cannot be replayed as the other.
type RateLimitKeyer struct {
	ring *KeyRing
}

// NewRateLimitKeyer returns a keyer bound to ring.
func NewRateLimitKeyer(ring *KeyRing) *RateLimitKeyer {
	return &RateLimitKeyer{ring: ring}
}

// GuildRateLimitKey computes HMAC(rateKey(guildSecret), userID || day).
func (*RateLimitKeyer) GuildRateLimitKey(userID string, guildSecret GuildSecret, day string) (Tag, error) {
	key, err := guildKey(guildSecret, infoRateLimit)
	if err != nil {
		return Tag{}, err
	}
	return mac(key, []byte(userID), []byte{0}, []byte(day)), nil
}

// GlobalRateLimitKey computes the platform-scoped key under master key keyVersion.
func (k *RateLimitKeyer) GlobalRateLimitKey(userID string, globalSecret GlobalSecret, keyVersion int, day string) (Tag, error) {
	if len(globalSecret) == 0 {
		return Tag{}, errors.New("empty global secret")
	}
	master, err := k.ring.Key(keyVersion)
	if err != nil {
		return Tag{}, err
	}
	salt := append(append([]byte(nil), globalSecret...), k.ring.Pepper()...)
	key, err := deriveKey(master[:], salt, infoGlobalRateLimit)
	if err != nil {
		return Tag{}, err
	}
	return mac(key, []byte(userID), []byte{0}, []byte(day)), nil
}

// RateLimitLedger is the time-stamped counting store for rate-limit keys.
type RateLimitLedger interface {
	RecordUse(ctx context.Context, key Tag, action string, ts time.Time) error
	CountSince(ctx context.Context, key Tag, since time.Time) (int, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateLimiter enforces Limit uses per Window on top of a ledger.
// A zero Limit or Window disables limiting.
type RateLimiter struct {
	Ledger RateLimitLedger
	Limit  int
	Window time.Duration
}

// Check reports whether another use of key is permitted at now. It records nothing.
func (l RateLimiter) Check(ctx context.Context, key Tag, now time.Time) (bool, error) {
	if l.disabled() {
		return true, nil
	}
	n, err := l.Ledger.CountSince(ctx, key, now.Add(-l.Window))
	if err != nil {
		return false, fmt.Errorf("count rate-limit uses: %w", err)
	}
	return n < l.Limit, nil
}

// Record counts one use of key at now. A disabled limiter records nothing.
func (l RateLimiter) Record(ctx context.Context, key Tag, action string, now time.Time) error {
	if l.disabled() {
		return nil
	}
	if err := l.Ledger.RecordUse(ctx, key, action, now); err != nil {
		return fmt.Errorf("record rate-limit use: %w", err)
	}
	return nil
}

// Allow is Check followed by Record when the use is permitted.
func (l RateLimiter) Allow(ctx context.Context, key Tag, action string, now time.Time) (bool, error) {
	ok, err := l.Check(ctx, key, now)
	if err != nil || !ok {
		return false, err
	}
	if err := l.Record(ctx, key, action, now); err != nil {
		return false, err
	}
	return true, nil
}

func (l RateLimiter) disabled() bool {
	return l.Limit <= 0 || l.Window <= 0
}
