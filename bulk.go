package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidBulkDelete is returned for a bulk delete without usable conditions.
var ErrInvalidBulkDelete = errors.New("invalid bulk delete")

// BulkDeleteRequest selects live posts of one guild for soft deletion. At least
// one condition must be set; all set conditions must hold.
type BulkDeleteRequest struct {
	GuildID string
	// ChannelID narrows the scope to one channel.
	ChannelID string
	// UserID selects posts written by that user, verified by tag recomputation.
	UserID string
	// Hours selects posts from the last Hours hours.
	Hours    int
	Contains string
	// Pseudonym selects posts shown under that pseudonym.
	Pseudonym     string
	ConvertedOnly bool
	// Limit keeps only the newest Limit matches.
	Limit int
	// DryRun reports matches without deleting anything.
	DryRun bool
}

func (req BulkDeleteRequest) validate() error {
	if req.GuildID == "" {
		return fmt.Errorf("%w: guild is required", ErrInvalidBulkDelete)
	}
	if req.Hours < 0 || req.Limit < 0 {
		return fmt.Errorf("%w: hours and limit must not be negative", ErrInvalidBulkDelete)
	}
	if req.UserID == "" && req.Hours == 0 && req.Contains == "" && req.Pseudonym == "" &&
		!req.ConvertedOnly && req.Limit == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidBulkDelete)
	}
	return nil
}

func (req BulkDeleteRequest) match(p Post) bool {
	if req.ChannelID != "" && p.ChannelID != req.ChannelID {
		return false
	}
	if req.Contains != "" && !strings.Contains(strings.ToLower(p.Content), strings.ToLower(req.Contains)) {
		return false
	}
	if req.Pseudonym != "" && p.Pseudonym != req.Pseudonym {
		return false
	}
	if req.ConvertedOnly && !p.Converted {
		return false
	}
	return true
}

// BulkDeleteResult lists the matched posts, newest first, and how many were deleted.
type BulkDeleteResult struct {
	Matched []Post
	Deleted int
}

// BulkDelete finds the posts selected by req and, unless DryRun, soft-deletes
// them. Posts deleted concurrently are skipped.
func (r *Reconciler) BulkDelete(ctx context.Context, st Store, req BulkDeleteRequest, now time.Time) (BulkDeleteResult, error) {
	if err := req.validate(); err != nil {
		return BulkDeleteResult{}, err
	}
	f := PostFilter{GuildID: req.GuildID, Deleted: ExcludeDeleted}
	if req.Hours > 0 {
		f.Since = now.Add(-time.Duration(req.Hours) * time.Hour)
	}

	var candidates []Post
	var err error
	if req.UserID != "" {
		candidates, err = r.SearchGuild(ctx, st, req.GuildID, req.UserID, f)
	} else {
		candidates, err = st.ScanPosts(ctx, f)
	}
	if err != nil {
		return BulkDeleteResult{}, err
	}

	var res BulkDeleteResult
	for _, p := range candidates {
		if req.Limit > 0 && len(res.Matched) == req.Limit {
			break
		}
		if req.match(p) {
			res.Matched = append(res.Matched, p)
		}
	}
	if req.DryRun {
		return res, nil
	}
	for _, p := range res.Matched {
		err := st.MarkDeleted(ctx, p.GuildID, p.MessageID, now)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("delete %s: %w", p.MessageID, err)
		}
		res.Deleted++
	}
	r.logger().Info("bulk delete",
		"guild", req.GuildID, "matched", len(res.Matched), "deleted", res.Deleted)
	return res, nil
}
