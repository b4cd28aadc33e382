package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Reconciler implements the moderator-side algorithms: decrypt one post, and
// verify candidate posts against a suspected user by recomputing their tags.
// It verifies identity; it cannot discover one from nothing.
type Reconciler struct {
	cipher  *IdentityCipher
	tagger  *CorrelationTagger
	Logger  *slog.Logger
	Metrics *Metrics
	// Workers bounds scan parallelism; zero uses GOMAXPROCS.
	Workers int
}

// NewReconciler returns a reconciler over ring.
func NewReconciler(ring *KeyRing) *Reconciler {
	return &Reconciler{
		cipher: NewIdentityCipher(ring),
		tagger: NewCorrelationTagger(ring),
	}
}

// TraceOne recovers the author of post.
func (r *Reconciler) TraceOne(post Post) (string, error) {
	id, err := r.cipher.Decrypt(post.Identity)
	if err != nil {
		r.Metrics.decryptFailed()
		r.logger().Warn("trace failed", "post_id", post.ID, "key_version", post.Identity.KeyVersion, "error", err)
		return "", err
	}
	return id, nil
}

// FindAllByUser returns the posts whose guild search tag, recomputed for userID
// at each post's own creation time, equals the stored tag. Input order is kept.
func (r *Reconciler) FindAllByUser(ctx context.Context, userID string, guildSecret GuildSecret, posts []Post) ([]Post, error) {
	if len(guildSecret) == 0 {
		return nil, errors.New("empty guild secret")
	}
	out, err := r.scan(ctx, posts, func(p Post) (bool, error) {
		tag, err := r.tagger.GuildSearchTag(userID, guildSecret, p.CreatedAt)
		if err != nil {
			return false, err
		}
		return tag.Equal(p.SearchTag), nil
	})
	if err != nil {
		return nil, err
	}
	r.Metrics.scanned("guild", len(posts), len(out))
	return out, nil
}

// FindAllByUserGlobal is FindAllByUser across guilds using each post's global
// signature under its own stored key version.
func (r *Reconciler) FindAllByUserGlobal(ctx context.Context, userID string, posts []Post) ([]Post, error) {
	out, err := r.scan(ctx, posts, func(p Post) (bool, error) {
		sig, err := r.tagger.GlobalSignature(userID, p.Identity.KeyVersion, p.CreatedAt)
		if err != nil {
			return false, err
		}
		return sig.Equal(p.GlobalSignature), nil
	})
	if err != nil {
		return nil, err
	}
	r.Metrics.scanned("global", len(posts), len(out))
	return out, nil
}

// SearchGuild scans guildID's posts selected by f and keeps those written by
// userID. A guild that never had a post has no secret and yields no matches.
func (r *Reconciler) SearchGuild(ctx context.Context, st Store, guildID, userID string, f PostFilter) ([]Post, error) {
	secret, err := st.LookupGuildSecret(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load guild secret: %w", err)
	}
	f.GuildID = guildID
	posts, err := st.ScanPosts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("scan posts: %w", err)
	}
	return r.FindAllByUser(ctx, userID, secret, posts)
}

// SearchGlobal scans every guild's posts selected by f and keeps those written by userID.
func (r *Reconciler) SearchGlobal(ctx context.Context, st PostStore, userID string, f PostFilter) ([]Post, error) {
	f.GuildID = ""
	posts, err := st.ScanPosts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("scan posts: %w", err)
	}
	return r.FindAllByUserGlobal(ctx, userID, posts)
}

// scan evaluates match over posts in parallel. A per-post error excludes that
// post and is logged; only ctx cancellation aborts the scan.
func (r *Reconciler) scan(ctx context.Context, posts []Post, match func(Post) (bool, error)) ([]Post, error) {
	keep := make([]bool, len(posts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for i := range posts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := match(posts[i])
			if err != nil {
				r.logger().Warn("skipping post during search",
					"post_id", posts[i].ID, "key_version", posts[i].Identity.KeyVersion, "error", err)
				return nil
			}
			keep[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Post
	for i, ok := range keep {
		if ok {
			out = append(out, posts[i])
		}
	}
	return out, nil
}

func (r *Reconciler) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
