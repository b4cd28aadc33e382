package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// PseudonymSize is the length of minted display pseudonyms.
const PseudonymSize = 10

// maxResolveAttempts bounds re-reads after losing an insert or replace race.
const maxResolveAttempts = 4

// ErrDuplicatePseudonymMapping is returned by MappingStore.InsertMapping when a
// mapping for the same scope and signature already exists. Resolve recovers from it.
var ErrDuplicatePseudonymMapping = errors.New("duplicate pseudonym mapping")

// Scope is where a pseudonym is valid: one channel or thread of one guild.
type Scope struct {
	GuildID   string
	ChannelID string
}

// PseudonymMapping ties a windowed user signature to a display pseudonym.
type PseudonymMapping struct {
	Scope
	Signature Tag
	Pseudonym string
	CreatedAt time.Time
}

// PseudonymRotator mints and reuses scoped pseudonyms. It never sees a real
// identity, only the signature the caller computed.
type PseudonymRotator struct {
	Store   MappingStore
	Logger  *slog.Logger
	Metrics *Metrics
	// Mint generates a new pseudonym; defaults to a 10-character nanoid.
	Mint func() (string, error)
}

// NewPseudonymRotator returns a rotator persisting into store.
func NewPseudonymRotator(store MappingStore) *PseudonymRotator {
	return &PseudonymRotator{Store: store}
}

// Resolve returns the pseudonym for (scope, sig) that is still inside window at
// now, minting and persisting a new one otherwise. When two writers race, the
// loser re-reads and returns the winner's pseudonym.
func (r *PseudonymRotator) Resolve(ctx context.Context, scope Scope, sig Tag, now time.Time, window time.Duration) (string, error) {
	if window <= 0 {
		return "", fmt.Errorf("invalid rotation window %s", window)
	}
	cutoff := now.Add(-window)
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		existing, err := r.Store.GetMapping(ctx, scope, sig)
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("load mapping: %w", err)
		}
		if found && !existing.CreatedAt.Before(cutoff) {
			return existing.Pseudonym, nil
		}

		name, err := r.mint()
		if err != nil {
			return "", fmt.Errorf("mint pseudonym: %w", err)
		}
		m := PseudonymMapping{Scope: scope, Signature: sig, Pseudonym: name, CreatedAt: now}

		if !found {
			err = r.Store.InsertMapping(ctx, m)
			if err == nil {
				r.Metrics.minted()
				return name, nil
			}
			if !errors.Is(err, ErrDuplicatePseudonymMapping) {
				return "", fmt.Errorf("insert mapping: %w", err)
			}
		} else {
			replaced, err := r.Store.ReplaceExpiredMapping(ctx, m, cutoff)
			if err != nil {
				return "", fmt.Errorf("replace mapping: %w", err)
			}
			if replaced {
				r.Metrics.minted()
				return name, nil
			}
		}
		r.Metrics.raceLost()
		r.logger().Debug("pseudonym mapping race lost, re-reading",
			"guild", scope.GuildID, "channel", scope.ChannelID, "attempt", attempt+1)
	}
	return "", fmt.Errorf("resolve pseudonym: gave up after %d attempts", maxResolveAttempts)
}

func (r *PseudonymRotator) mint() (string, error) {
	if r.Mint != nil {
		return r.Mint()
	}
	return gonanoid.New(PseudonymSize)
}

func (r *PseudonymRotator) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
