package pseudonym

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	server *Server
	http   *httptest.Server
	ring   *KeyRing
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ring := newTestRing(t)
	srv := NewServer(ring, openTestSQLite(t))
	srv.Logger = quietLogger()
	srv.Metrics = NewMetrics()
	srv.AddModerator("mod-token", Moderator{ID: "mod", Guilds: []string{"g1"}})
	srv.AddModerator("owner-token", Moderator{ID: "owner", Owner: true})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{server: srv, http: ts, ring: ring}
}

func (f *serverFixture) client(token string) *HTTPClient {
	c := NewHTTPClient(f.http.URL, token)
	c.Client = f.http.Client()
	return c
}

func (f *serverFixture) post(t *testing.T, guild, message, user string) Post {
	t.Helper()
	p, err := f.server.Poster.Post(context.Background(), PostRequest{
		GuildID:   guild,
		ChannelID: "c1",
		MessageID: message,
		UserID:    user,
		Content:   "content of " + message,
	})
	require.NoError(t, err)
	return p
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func TestServer_Trace(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	posted := f.post(t, "g1", "m1", "1001")

	res, err := f.client("mod-token").Trace(ctx, "g1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "1001", res.UserID)
	assert.Equal(t, posted.Pseudonym, res.Pseudonym)
	assert.Equal(t, 1, res.KeyVersion)

	_, err = f.client("mod-token").Trace(ctx, "g1", "missing")
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	entries, err := f.client("mod-token").Audit(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "trace", entries[0].Action)
	assert.False(t, entries[0].Success)
	assert.True(t, entries[1].Success)
	require.NotNil(t, entries[1].Target)
	target, err := NewIdentityCipher(f.ring).Decrypt(*entries[1].Target)
	require.NoError(t, err)
	assert.Equal(t, "1001", target)
	assert.Equal(t, "mod", entries[1].Moderator)
}

func TestServer_Auth(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g2", "m1", "1001")

	_, err := f.client("").Trace(ctx, "g1", "m1")
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))

	_, err = f.client("wrong-token").Trace(ctx, "g1", "m1")
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))

	_, err = f.client("mod-token").Trace(ctx, "g2", "m1")
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	res, err := f.client("owner-token").Trace(ctx, "g2", "m1")
	require.NoError(t, err)
	assert.Equal(t, "1001", res.UserID)
}

func TestServer_Search(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g1", "m1", "1001")
	f.post(t, "g1", "m2", "2002")
	f.post(t, "g1", "m3", "1001")
	f.post(t, "g2", "m4", "1001")

	c := f.client("mod-token")
	res, err := c.Search(ctx, "g1", SearchRequest{UserID: "1001"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	for _, p := range res.Posts {
		assert.Equal(t, "g1", p.GuildID)
		assert.Contains(t, []string{"m1", "m3"}, p.MessageID)
	}

	none, err := c.Search(ctx, "g1", SearchRequest{UserID: "3003", Days: 7})
	require.NoError(t, err)
	assert.Zero(t, none.Count)
	assert.NotNil(t, none.Posts)

	for _, bad := range []SearchRequest{
		{UserID: ""},
		{UserID: "1001", Days: MaxSearchDays + 1},
		{UserID: "1001", Days: -1},
		{UserID: "1001", Deleted: "sometimes"},
	} {
		_, err := c.Search(ctx, "g1", bad)
		assert.Equal(t, http.StatusBadRequest, statusCode(err), "request %+v", bad)
	}

	_, err = c.SearchGlobal(ctx, SearchRequest{UserID: "1001"})
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	global, err := f.client("owner-token").SearchGlobal(ctx, SearchRequest{UserID: "1001"})
	require.NoError(t, err)
	assert.Equal(t, 3, global.Count)
}

func TestServer_Delete(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g1", "m1", "1001")
	f.post(t, "g1", "m2", "1001")
	c := f.client("mod-token")

	require.NoError(t, c.Delete(ctx, "g1", "m1"))
	assert.Equal(t, http.StatusNotFound, statusCode(c.Delete(ctx, "g1", "m1")))

	live, err := c.Search(ctx, "g1", SearchRequest{UserID: "1001"})
	require.NoError(t, err)
	assert.Equal(t, 1, live.Count)

	deleted, err := c.Search(ctx, "g1", SearchRequest{UserID: "1001", Deleted: "only"})
	require.NoError(t, err)
	require.Equal(t, 1, deleted.Count)
	assert.Equal(t, "m1", deleted.Posts[0].MessageID)
	assert.NotNil(t, deleted.Posts[0].DeletedAt)

	all, err := c.Search(ctx, "g1", SearchRequest{UserID: "1001", Deleted: "include"})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Count)

	entries, err := c.Audit(ctx, "g1", 0)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"search", "search", "search", "delete", "delete"}, actions)
}

func TestServer_AuditLimit(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g1", "m1", "1001")
	c := f.client("mod-token")
	for i := 0; i < 3; i++ {
		_, err := c.Trace(ctx, "g1", "m1")
		require.NoError(t, err)
	}

	entries, err := c.Audit(ctx, "g1", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/guilds/g1/audit?limit=zero", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer mod-token")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	f := newServerFixture(t)
	f.post(t, "g1", "m1", "1001")

	resp, err := f.http.Client().Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pseudonym_posts_accepted_total 1")
}

func TestServer_BadBody(t *testing.T) {
	f := newServerFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/api/v1/guilds/g1/trace", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer mod-token")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HTTPServer(t *testing.T) {
	srv := NewServer(newTestRing(t), openTestSQLite(t))
	hs := srv.HTTPServer(":0")
	assert.Equal(t, uint16(tls.VersionTLS12), hs.TLSConfig.MinVersion)
	assert.Equal(t, 10*time.Second, hs.ReadHeaderTimeout)

	srv = NewServer(newTestRing(t), openTestSQLite(t))
	srv.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS13})
	assert.Equal(t, uint16(tls.VersionTLS13), srv.HTTPServer(":0").TLSConfig.MinVersion)
}

func TestServer_Bans(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	mod := f.client("mod-token")

	require.NoError(t, mod.Ban(ctx, "g1", BanRequest{UserID: "1001", Reason: "spam"}))
	assert.Equal(t, http.StatusConflict, statusCode(mod.Ban(ctx, "g1", BanRequest{UserID: "1001"})))
	assert.Equal(t, http.StatusBadRequest, statusCode(mod.Ban(ctx, "g1", BanRequest{})))
	assert.Equal(t, http.StatusForbidden, statusCode(mod.Ban(ctx, "g2", BanRequest{UserID: "1001"})))

	_, err := f.server.Poster.Post(ctx, PostRequest{GuildID: "g1", ChannelID: "c1", MessageID: "m1", UserID: "1001", Content: "hi"})
	assert.ErrorIs(t, err, ErrGateRejected)
	f.post(t, "g2", "m1", "1001")

	require.NoError(t, mod.Unban(ctx, "g1", BanRequest{UserID: "1001"}))
	assert.Equal(t, http.StatusNotFound, statusCode(mod.Unban(ctx, "g1", BanRequest{UserID: "1001"})))
	f.post(t, "g1", "m2", "1001")

	assert.Equal(t, http.StatusForbidden, statusCode(mod.Ban(ctx, "", BanRequest{UserID: "2002"})))
	require.NoError(t, f.client("owner-token").Ban(ctx, "", BanRequest{UserID: "2002"}))
	_, err = f.server.Poster.Post(ctx, PostRequest{GuildID: "g2", ChannelID: "c1", MessageID: "m3", UserID: "2002", Content: "hi"})
	assert.ErrorIs(t, err, ErrGateRejected)

	entries, err := mod.Audit(ctx, "g1", 0)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"unban", "unban", "ban", "ban"}, actions)
	assert.Equal(t, "spam", entries[3].Params["reason"])
	require.NotNil(t, entries[3].Target)
	target, err := NewIdentityCipher(f.ring).Decrypt(*entries[3].Target)
	require.NoError(t, err)
	assert.Equal(t, "1001", target)
}

func TestServer_BulkDelete(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g1", "m1", "1001")
	f.post(t, "g1", "m2", "2002")
	f.post(t, "g1", "m3", "1001")
	c := f.client("mod-token")

	preview, err := c.BulkDelete(ctx, "g1", BulkDeleteBody{UserID: "1001"})
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, 2, preview.Matched)
	assert.Zero(t, preview.Deleted)
	assert.Len(t, preview.Posts, 2)

	execute := false
	done, err := c.BulkDelete(ctx, "g1", BulkDeleteBody{UserID: "1001", DryRun: &execute})
	require.NoError(t, err)
	assert.False(t, done.DryRun)
	assert.Equal(t, 2, done.Deleted)

	live, err := c.Search(ctx, "g1", SearchRequest{UserID: "2002"})
	require.NoError(t, err)
	assert.Equal(t, 1, live.Count)

	_, err = c.BulkDelete(ctx, "g1", BulkDeleteBody{})
	assert.Equal(t, http.StatusBadRequest, statusCode(err))
	_, err = c.BulkDelete(ctx, "g2", BulkDeleteBody{UserID: "1001"})
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	entries, err := c.Audit(ctx, "g1", 0)
	require.NoError(t, err)
	var bulk []AuditEntry
	for _, e := range entries {
		if e.Action == "bulk_delete" {
			bulk = append(bulk, e)
		}
	}
	require.Len(t, bulk, 3)
	assert.False(t, bulk[0].Success)
	assert.Equal(t, "2", bulk[1].Params["deleted"])
	assert.Equal(t, "false", bulk[1].Params["dry_run"])
	assert.Equal(t, "true", bulk[2].Params["dry_run"])
}

func TestServer_GlobalAudit(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g1", "m1", "1001")

	_, err := f.client("owner-token").SearchGlobal(ctx, SearchRequest{UserID: "1001"})
	require.NoError(t, err)
	_, err = f.client("mod-token").Trace(ctx, "g1", "m1")
	require.NoError(t, err)

	_, err = f.client("mod-token").GlobalAudit(ctx, 10)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	entries, err := f.client("owner-token").GlobalAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "trace", entries[0].Action)
	assert.Equal(t, "global_search", entries[1].Action)
	assert.Empty(t, entries[1].GuildID)
	assert.Equal(t, "owner", entries[1].Moderator)

	limited, err := f.client("owner-token").GlobalAudit(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestServer_VerifyAudit(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.post(t, "g1", "m1", "1001")
	for i := 0; i < 3; i++ {
		_, err := f.client("mod-token").Trace(ctx, "g1", "m1")
		require.NoError(t, err)
	}

	_, err := f.client("mod-token").VerifyAudit(ctx)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	res, err := f.client("owner-token").VerifyAudit(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(3), res.Entries)

	_, err = f.server.Store.(*sqliteStore).db.Exec(`UPDATE audit_log SET moderator='nobody' WHERE seq=2`)
	require.NoError(t, err)
	res, err = f.client("owner-token").VerifyAudit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "tag mismatch")
}
