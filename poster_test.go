package pseudonym

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postBase = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestPoster(t *testing.T, s Settings) *Poster {
	t.Helper()
	p := NewPoster(newTestRing(t), openTestSQLite(t), StaticSettings(s))
	p.Logger = quietLogger()
	p.Metrics = NewMetrics()
	return p
}

func postReq(user, message string, at time.Time) PostRequest {
	return PostRequest{
		GuildID:   "g1",
		ChannelID: "c1",
		MessageID: message,
		UserID:    user,
		Content:   "hello",
		At:        at,
	}
}

func TestPoster_Post(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())

	post, err := p.Post(ctx, postReq("1001", "m1", postBase))
	require.NoError(t, err)
	assert.Positive(t, post.ID)
	assert.Len(t, post.Pseudonym, PseudonymSize)
	assert.Equal(t, 1, post.Identity.KeyVersion)
	assert.False(t, post.SearchTag.IsZero())
	assert.False(t, post.GlobalSignature.IsZero())
	assert.False(t, post.DailySignature.IsZero())

	stored, err := p.Store.PostByMessage(ctx, "g1", "m1")
	require.NoError(t, err)
	assert.Equal(t, post.Pseudonym, stored.Pseudonym)

	r := NewReconciler(p.ring)
	id, err := r.TraceOne(stored)
	require.NoError(t, err)
	assert.Equal(t, "1001", id)

	found, err := r.SearchGuild(ctx, p.Store, "g1", "1001", PostFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].MessageID)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.postsAccepted))
}

func TestPoster_RequiredFields(t *testing.T) {
	p := newTestPoster(t, DefaultSettings())
	req := postReq("", "m1", postBase)
	_, err := p.Post(context.Background(), req)
	assert.Error(t, err)
}

func TestPoster_RateLimit(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())

	for i := 0; i < 3; i++ {
		_, err := p.Post(ctx, postReq("1001", "m"+string(rune('a'+i)), postBase.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err, "post %d", i+1)
	}
	_, err := p.Post(ctx, postReq("1001", "m-over", postBase.Add(3*time.Second)))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.postsRefused.WithLabelValues("rate_limited")))

	_, err = p.Post(ctx, postReq("2002", "m-other", postBase.Add(3*time.Second)))
	assert.NoError(t, err, "another user was limited")

	_, err = p.Post(ctx, postReq("1001", "m-later", postBase.Add(61*time.Second)))
	assert.NoError(t, err, "post after the window was refused")
}

func TestPoster_GlobalRateLimit(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())

	for i, guild := range []string{"g1", "g2", "g3"} {
		req := postReq("1001", "m", postBase.Add(time.Duration(i)*time.Second))
		req.GuildID = guild
		req.Global = true
		_, err := p.Post(ctx, req)
		require.NoError(t, err, "post %d", i+1)
	}

	req := postReq("1001", "m", postBase.Add(3*time.Second))
	req.GuildID = "g4"
	req.Global = true
	_, err := p.Post(ctx, req)
	assert.ErrorIs(t, err, ErrRateLimited)

	for i := 0; i < 2; i++ {
		_, err = p.Post(ctx, req)
		assert.ErrorIs(t, err, ErrRateLimited)
	}

	req.Global = false
	_, err = p.Post(ctx, req)
	assert.NoError(t, err, "refused global posts used up the guild budget")
}

func TestPoster_GlobalRateLimitSurvivesRotation(t *testing.T) {
	ctx := context.Background()
	ring := newTestRing(t, 1, 2)
	p := NewPoster(ring, openTestSQLite(t), StaticSettings(DefaultSettings()))
	p.Logger = quietLogger()

	for i, guild := range []string{"g1", "g2", "g3"} {
		req := postReq("1001", "m", postBase.Add(time.Duration(i)*time.Second))
		req.GuildID = guild
		req.Global = true
		_, err := p.Post(ctx, req)
		require.NoError(t, err, "post %d", i+1)
	}

	require.NoError(t, ring.SetCurrent(1))
	req := postReq("1001", "m", postBase.Add(3*time.Second))
	req.GuildID = "g4"
	req.Global = true
	_, err := p.Post(ctx, req)
	assert.ErrorIs(t, err, ErrRateLimited, "key rotation reset the global counter")
}

func TestPoster_FailedPostKeepsBudget(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())

	_, err := p.Post(ctx, postReq("1001", "m1", postBase))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := p.Post(ctx, postReq("1001", "m1", postBase.Add(time.Second)))
		require.Error(t, err, "duplicate message id was stored")
		assert.NotErrorIs(t, err, ErrRateLimited)
	}

	_, err = p.Post(ctx, postReq("1001", "m2", postBase.Add(2*time.Second)))
	require.NoError(t, err)
	_, err = p.Post(ctx, postReq("1001", "m3", postBase.Add(3*time.Second)))
	require.NoError(t, err)
	_, err = p.Post(ctx, postReq("1001", "m4", postBase.Add(4*time.Second)))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestPoster_RateLimitDisabled(t *testing.T) {
	s := DefaultSettings()
	s.RateLimitCount = 0
	p := newTestPoster(t, s)
	for i := 0; i < 10; i++ {
		_, err := p.Post(context.Background(), postReq("1001", "m"+string(rune('a'+i)), postBase))
		require.NoError(t, err)
	}
}

func TestPoster_MessageLength(t *testing.T) {
	s := DefaultSettings()
	s.MaxMessageLength = 5
	p := newTestPoster(t, s)

	req := postReq("1001", "m1", postBase)
	req.Content = "héllo"
	_, err := p.Post(context.Background(), req)
	assert.NoError(t, err, "length must be counted in characters")

	req.MessageID = "m2"
	req.Content = "héllo!"
	_, err = p.Post(context.Background(), req)
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestPoster_Gates(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())
	bans := NewBanList(p.ring, p.Store)
	p.Gates = []Gate{bans, WordFilter{Words: []string{"forbidden"}}}

	require.NoError(t, bans.Ban(ctx, "g1", "1001", "mod", "spam"))
	_, err := p.Post(ctx, postReq("1001", "m1", postBase))
	assert.ErrorIs(t, err, ErrGateRejected)

	req := postReq("1001", "m1", postBase)
	req.GuildID = "g2"
	_, err = p.Post(ctx, req)
	assert.NoError(t, err, "guild ban leaked to another guild")

	require.NoError(t, bans.Ban(ctx, "", "2002", "owner", ""))
	req = postReq("2002", "m2", postBase)
	req.GuildID = "g2"
	_, err = p.Post(ctx, req)
	assert.ErrorIs(t, err, ErrGateRejected)

	require.NoError(t, bans.Unban(ctx, "g1", "1001"))
	bad := postReq("1001", "m3", postBase)
	bad.Content = "this is forbidden content"
	_, err = p.Post(ctx, bad)
	assert.ErrorIs(t, err, ErrGateRejected)
	assert.ErrorContains(t, err, "forbidden")

	_, err = p.Post(ctx, postReq("1001", "m4", postBase))
	assert.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(p.Metrics.postsRefused.WithLabelValues("gate")))

	p.Gates = append(p.Gates, GateFunc(func(_ context.Context, req PostRequest) error {
		if strings.HasPrefix(req.Content, "!") {
			return errors.New("commands are not posts")
		}
		return nil
	}))
	cmd := postReq("3003", "m5", postBase)
	cmd.Content = "!help"
	_, err = p.Post(ctx, cmd)
	assert.ErrorIs(t, err, ErrGateRejected)
}

func TestPoster_DailyPseudonym(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())

	morning, err := p.Post(ctx, postReq("1001", "m1", postBase))
	require.NoError(t, err)
	evening, err := p.Post(ctx, postReq("1001", "m2", postBase.Add(10*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, morning.Pseudonym, evening.Pseudonym)
	assert.Equal(t, morning.DailySignature, evening.DailySignature)

	other, err := p.Post(ctx, postReq("2002", "m3", postBase))
	require.NoError(t, err)
	assert.NotEqual(t, morning.Pseudonym, other.Pseudonym)

	elsewhere := postReq("1001", "m4", postBase.Add(11*time.Hour))
	elsewhere.ChannelID = "c2"
	moved, err := p.Post(ctx, elsewhere)
	require.NoError(t, err)
	assert.NotEqual(t, morning.Pseudonym, moved.Pseudonym)

	tomorrow, err := p.Post(ctx, postReq("1001", "m5", postBase.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, morning.Pseudonym, tomorrow.Pseudonym)
	assert.NotEqual(t, morning.DailySignature, tomorrow.DailySignature)
}

func TestPoster_ConvertedPseudonym(t *testing.T) {
	ctx := context.Background()
	s := DefaultSettings()
	s.RotationWindow = 72 * time.Hour
	p := newTestPoster(t, s)

	first := postReq("1001", "m1", postBase)
	first.Converted = true
	a, err := p.Post(ctx, first)
	require.NoError(t, err)

	next := postReq("1001", "m2", postBase.Add(30*time.Hour))
	next.Converted = true
	b, err := p.Post(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, a.Pseudonym, b.Pseudonym, "converted pseudonym rotated within the window")
	assert.True(t, b.Converted)

	late := postReq("1001", "m3", postBase.Add(100*time.Hour))
	late.Converted = true
	c, err := p.Post(ctx, late)
	require.NoError(t, err)
	assert.NotEqual(t, a.Pseudonym, c.Pseudonym, "converted pseudonym outlived the window")
}

func TestPoster_Delete(t *testing.T) {
	ctx := context.Background()
	p := newTestPoster(t, DefaultSettings())
	for i, user := range []string{"1001", "1001", "2002"} {
		_, err := p.Post(ctx, postReq(user, "m"+string(rune('1'+i)), postBase.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	err := p.Delete(ctx, DeleteRequest{GuildID: "g1", MessageID: "m1", UserID: "2002"})
	assert.ErrorIs(t, err, ErrNotAuthor)

	require.NoError(t, p.Delete(ctx, DeleteRequest{GuildID: "g1", MessageID: "m1", UserID: "1001"}))
	err = p.Delete(ctx, DeleteRequest{GuildID: "g1", MessageID: "m1", UserID: "1001"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Delete(ctx, DeleteRequest{GuildID: "g1", MessageID: "m3", UserID: "mod", Admin: true}))

	err = p.Delete(ctx, DeleteRequest{GuildID: "g1", MessageID: "missing", UserID: "1001"})
	assert.ErrorIs(t, err, ErrNotFound)

	live, err := p.Store.ScanPosts(ctx, PostFilter{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "m2", live[0].MessageID)
}

func TestSettings_DisplayName(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, "anon_abc", s.DisplayName("abc"))
	s.PseudonymFormat = "ghost-{id}-{id}"
	assert.Equal(t, "ghost-x-x", s.DisplayName("x"))
	assert.Equal(t, "anon_x", Settings{}.DisplayName("x"))
}

type countingSource struct {
	calls int
	s     Settings
}

func (c *countingSource) GuildSettings(context.Context, string) (Settings, error) {
	c.calls++
	return c.s, nil
}

func TestCachedSettings(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{s: DefaultSettings()}
	now := postBase
	c := NewCachedSettings(src, time.Minute)
	c.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.GuildSettings(ctx, "g1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)

	_, _ = c.GuildSettings(ctx, "g2")
	assert.Equal(t, 2, src.calls)

	now = now.Add(2 * time.Minute)
	_, _ = c.GuildSettings(ctx, "g1")
	assert.Equal(t, 3, src.calls)

	c.Refresh("g1")
	_, _ = c.GuildSettings(ctx, "g1")
	assert.Equal(t, 4, src.calls)
}
