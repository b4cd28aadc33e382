package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/karasz/pseudonym"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMaster = bytes.Repeat([]byte{0x42}, pseudonym.KeySize)

func setupEnv(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pseudonym.db")
	t.Setenv(pseudonym.EnvMasterKeyPrefix+"1", hex.EncodeToString(testMaster))
	t.Setenv(pseudonym.EnvPepper, "cli-pepper")
	t.Setenv(pseudonym.EnvDBDriver, pseudonym.DriverSQLite)
	t.Setenv(pseudonym.EnvDBPath, dbPath)
	t.Setenv(pseudonym.EnvLogLevel, "error")
	t.Setenv("PSEUDONYM_MODERATOR", "")
	return dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func openAudit(t *testing.T, dbPath string) ([]pseudonym.AuditEntry, *pseudonym.IdentityCipher) {
	t.Helper()
	st, err := pseudonym.OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st.Close()
	entries, err := st.ListAudit(context.Background(), "", 0)
	require.NoError(t, err)

	var secret [pseudonym.KeySize]byte
	copy(secret[:], testMaster)
	ring, err := pseudonym.NewKeyRing([]pseudonym.MasterKey{{Version: 1, Secret: secret}}, 1, []byte("cli-pepper"))
	require.NoError(t, err)

	aud := pseudonym.NewAuditor(ring, st)
	n, err := aud.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(entries)), n)
	return entries, pseudonym.NewIdentityCipher(ring)
}

func TestLocalModeratorCommandsAreAudited(t *testing.T) {
	dbPath := setupEnv(t)

	_, err := run(t, "post", "--guild", "g1", "--channel", "c1", "--message", "m1",
		"--user", "1001", "--content", "hello")
	require.NoError(t, err)

	out, err := run(t, "trace", "g1", "m1", "--moderator", "alice")
	require.NoError(t, err)
	var traced pseudonym.TraceResult
	require.NoError(t, json.Unmarshal([]byte(out), &traced))
	assert.Equal(t, "1001", traced.UserID)

	_, err = run(t, "search", "g1", "1001", "--moderator", "alice")
	require.NoError(t, err)
	_, err = run(t, "search-global", "1001", "--moderator", "bob")
	require.NoError(t, err)
	_, err = run(t, "trace", "g1", "missing", "--moderator", "alice")
	require.Error(t, err)

	entries, cipher := openAudit(t, dbPath)
	require.Len(t, entries, 4)

	// Newest first.
	wantActions := []string{"trace", "global_search", "search", "trace"}
	wantModerators := []string{"alice", "bob", "alice", "alice"}
	wantSuccess := []bool{false, true, true, true}
	for i, e := range entries {
		assert.Equal(t, wantActions[i], e.Action, "entry %d", i)
		assert.Equal(t, wantModerators[i], e.Moderator, "entry %d", i)
		assert.Equal(t, wantSuccess[i], e.Success, "entry %d", i)
	}

	assert.Nil(t, entries[0].Target, "failed trace names nobody")
	for _, e := range entries[1:] {
		require.NotNil(t, e.Target)
		id, err := cipher.Decrypt(*e.Target)
		require.NoError(t, err)
		assert.Equal(t, "1001", id)
	}
	assert.Equal(t, "", entries[1].GuildID)
	assert.Equal(t, "1", entries[2].Params["matches"])
}

func TestBanCommands(t *testing.T) {
	dbPath := setupEnv(t)
	post := func(msg string) error {
		_, err := run(t, "post", "--guild", "g1", "--channel", "c1", "--message", msg,
			"--user", "1001", "--content", "hi")
		return err
	}

	_, err := run(t, "ban", "--guild", "g1", "--user", "1001", "--reason", "spam", "--moderator", "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, post("m1"), pseudonym.ErrGateRejected)

	_, err = run(t, "ban", "--guild", "g1", "--user", "1001", "--moderator", "alice")
	assert.ErrorIs(t, err, pseudonym.ErrAlreadyBanned)

	_, err = run(t, "unban", "--guild", "g1", "--user", "1001", "--moderator", "alice")
	require.NoError(t, err)
	require.NoError(t, post("m2"))

	_, err = run(t, "ban", "--user", "1001", "--moderator", "owner")
	require.NoError(t, err)
	assert.ErrorIs(t, post("m3"), pseudonym.ErrGateRejected)

	entries, _ := openAudit(t, dbPath)
	require.Len(t, entries, 4)
	assert.Equal(t, "global_ban", entries[0].Action)
	assert.Equal(t, "", entries[0].GuildID)
	assert.Equal(t, "unban", entries[1].Action)
	assert.False(t, entries[2].Success, "second ban is recorded as failed")
	assert.Equal(t, "spam", entries[3].Params["reason"])
}

func TestBulkDeleteCommand(t *testing.T) {
	dbPath := setupEnv(t)
	for _, msg := range []string{"m1", "m2"} {
		_, err := run(t, "post", "--guild", "g1", "--channel", "c1", "--message", msg,
			"--user", "1001", "--content", "buy spam")
		require.NoError(t, err)
	}

	out, err := run(t, "bulk-delete", "--guild", "g1", "--contains", "SPAM")
	require.NoError(t, err)
	var res pseudonym.BulkDeleteResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Matched)
	assert.Zero(t, res.Deleted)

	out, err = run(t, "bulk-delete", "--guild", "g1", "--contains", "spam", "--dry-run=false")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Deleted)

	_, err = run(t, "bulk-delete", "--guild", "g1")
	assert.ErrorIs(t, err, pseudonym.ErrInvalidBulkDelete)

	entries, _ := openAudit(t, dbPath)
	require.Len(t, entries, 3)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "2", entries[1].Params["deleted"])
	assert.Equal(t, "true", entries[2].Params["dry_run"])
}
