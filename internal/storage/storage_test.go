package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "broadcastbot/pkg/logx"
)

func sampleRecords(now time.Time) []ChatRecord {
	return []ChatRecord{
		{ChatID: -100, Title: "Alpha", ChatType: "supergroup", Enabled: true, UpdatedAt: now},
		{ChatID: -200, Title: "Beta", ChatType: "channel", Enabled: false, UpdatedAt: now.Add(time.Second)},
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data", "chats.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.LoadChats(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chats.json")
	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := sampleRecords(now)
	require.NoError(t, st.SaveChats(context.Background(), want))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{`"chat_id"`, `"title"`, `"chat_type"`, `"enabled"`, `"updated_at": "2026-01-02T03:04:05Z"`} {
		require.Contains(t, string(raw), key)
	}

	got, err := st.LoadChats(context.Background())
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].ChatID, got[i].ChatID)
		require.Equal(t, want[i].Title, got[i].Title)
		require.Equal(t, want[i].ChatType, got[i].ChatType)
		require.Equal(t, want[i].Enabled, got[i].Enabled)
		require.True(t, got[i].UpdatedAt.Equal(want[i].UpdatedAt), "record %d updated_at = %v", i, got[i].UpdatedAt)
	}
}

func TestFileStoreEmptySaveWritesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chats.json")
	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.SaveChats(context.Background(), nil))
	raw, _ := os.ReadFile(path)
	require.Equal(t, "[]", strings.TrimSpace(string(raw)))
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chats.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.LoadChats(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)
	backups, _ := filepath.Glob(path + ".corrupt-*")
	require.Len(t, backups, 1)
}

func TestFileStoreAuditPrune(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Path: filepath.Join(dir, "chats.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now.Add(-48 * time.Hour), Action: "chat.joined", ChatID: -1}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now, Action: "broadcast.sent", OK: 2}))

	removed, err := st.PruneAudit(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The log stays appendable after a rewrite.
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "chat.left"}))
	raw, _ := os.ReadFile(filepath.Join(dir, "chats.audit.jsonl"))
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2, string(raw))
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chats.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Date(2026, 5, 6, 7, 8, 9, 123, time.UTC)
	require.NoError(t, st.SaveChats(ctx, sampleRecords(now)))
	// A second save replaces the first.
	require.NoError(t, st.SaveChats(ctx, sampleRecords(now)[:1]))

	got, err := st.LoadChats(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(-100), got[0].ChatID)
	require.True(t, got[0].Enabled)
	require.True(t, got[0].UpdatedAt.Equal(now))

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now.Add(-time.Hour), Action: "chat.joined"}))
	removed, err := st.PruneAudit(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop())
	require.Error(t, err)
}
