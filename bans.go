package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BanList keeps banned users out of the posting pipeline. Bans are persisted
// under a keyed hash of the user ID: the guild secret for guild bans, the
// platform secret and pepper for global ones. Neither depends on the master
// key version, so key rotation keeps every ban in force.
type BanList struct {
	Store Store
	Now   func() time.Time

	ring *KeyRing
}

// NewBanList returns a ban list over store.
func NewBanList(ring *KeyRing, store Store) *BanList {
	return &BanList{Store: store, ring: ring}
}

// Ban bars userID from guildID, or from every guild when guildID is empty.
// Banning twice returns ErrAlreadyBanned.
func (b *BanList) Ban(ctx context.Context, guildID, userID, moderator, reason string) error {
	if userID == "" {
		return errors.New("user is required")
	}
	key, err := b.key(ctx, guildID, userID)
	if err != nil {
		return err
	}
	return b.Store.AddBan(ctx, Ban{
		GuildID:   guildID,
		Key:       key,
		Moderator: moderator,
		Reason:    reason,
		CreatedAt: b.now().UTC(),
	})
}

// Unban lifts a ban set by Ban with the same scope. It returns ErrNotFound
// when the user is not banned there.
func (b *BanList) Unban(ctx context.Context, guildID, userID string) error {
	key, err := b.key(ctx, guildID, userID)
	if err != nil {
		return err
	}
	return b.Store.RemoveBan(ctx, guildID, key)
}

// Banned reports whether userID is banned in guildID, or globally when guildID is empty.
func (b *BanList) Banned(ctx context.Context, guildID, userID string) (bool, error) {
	key, err := b.key(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	return b.Store.IsBanned(ctx, guildID, key)
}

// Check implements Gate.
func (b *BanList) Check(ctx context.Context, req PostRequest) error {
	banned, err := b.Banned(ctx, "", req.UserID)
	if err != nil {
		return fmt.Errorf("check global ban: %w", err)
	}
	if banned {
		return errors.New("user is banned")
	}
	if banned, err = b.Banned(ctx, req.GuildID, req.UserID); err != nil {
		return fmt.Errorf("check guild ban: %w", err)
	}
	if banned {
		return errors.New("user is banned in this guild")
	}
	return nil
}

func (b *BanList) key(ctx context.Context, guildID, userID string) (Tag, error) {
	if guildID == "" {
		secret, err := b.Store.GlobalSecret(ctx)
		if err != nil {
			return Tag{}, fmt.Errorf("load global secret: %w", err)
		}
		k, err := deriveKey(secret, b.ring.Pepper(), infoGlobalBan)
		if err != nil {
			return Tag{}, err
		}
		return mac(k, []byte(userID)), nil
	}
	secret, err := b.Store.GuildSecret(ctx, guildID)
	if err != nil {
		return Tag{}, fmt.Errorf("load guild secret: %w", err)
	}
	k, err := guildKey(secret, infoBan)
	if err != nil {
		return Tag{}, err
	}
	return mac(k, []byte(userID)), nil
}

func (b *BanList) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
