package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/shellagent/internal/models"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "audit.db")
	j, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestSessionLifecycle(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	pid := 4242
	started := time.Now().Add(-time.Minute)

	require.NoError(t, j.SessionStarted(ctx, models.AuditSession{
		ID: "s1", User: "alice", PID: &pid, StartedAt: started,
	}))

	sessions, err := j.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "alice", sessions[0].User)
	assert.Equal(t, "tcp", sessions[0].Transport)
	require.NotNil(t, sessions[0].PID)
	assert.Equal(t, pid, *sessions[0].PID)
	assert.Nil(t, sessions[0].ClosedAt)
	assert.WithinDuration(t, started, sessions[0].StartedAt, time.Millisecond)

	require.NoError(t, j.SessionClosed(ctx, "s1", time.Now()))
	sessions, err = j.Sessions(ctx, 10)
	require.NoError(t, err)
	assert.NotNil(t, sessions[0].ClosedAt)
}

func TestCommandRun(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.SessionStarted(ctx, models.AuditSession{ID: "s1", StartedAt: time.Now()}))

	require.NoError(t, j.CommandRun(ctx, models.AuditCommand{
		SessionID: "s1", Command: "ls", TimeoutMs: 5000, OutputBytes: 120, DurationMs: 410,
	}))
	require.NoError(t, j.CommandRun(ctx, models.AuditCommand{
		SessionID: "s1", Command: "sleep 9", TimeoutMs: 100, TimedOut: true, DurationMs: 200,
	}))

	cmds, err := j.Commands(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "ls", cmds[0].Command)
	assert.Equal(t, uint64(5000), cmds[0].TimeoutMs)
	assert.Equal(t, 120, cmds[0].OutputBytes)
	assert.False(t, cmds[0].TimedOut)
	assert.True(t, cmds[1].TimedOut)

	none, err := j.Commands(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCommandForUnknownSessionRejected(t *testing.T) {
	j, _ := openTestJournal(t)
	err := j.CommandRun(context.Background(), models.AuditCommand{SessionID: "ghost", Command: "ls"})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestReopenClosesStaleSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j.SessionStarted(context.Background(), models.AuditSession{ID: "s1", StartedAt: time.Now()}))
	require.NoError(t, j.Close())

	j, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	sessions, err := j.Sessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].ClosedAt)
}

func TestMigrateIsIdempotent(t *testing.T) {
	j, _ := openTestJournal(t)
	require.NoError(t, j.migrate())

	var version int
	require.NoError(t, j.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestPrune(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	require.NoError(t, j.SessionStarted(ctx, models.AuditSession{ID: "old", StartedAt: old}))
	require.NoError(t, j.CommandRun(ctx, models.AuditCommand{SessionID: "old", Command: "a", CreatedAt: old}))
	require.NoError(t, j.SessionClosed(ctx, "old", old.Add(time.Minute)))

	require.NoError(t, j.SessionStarted(ctx, models.AuditSession{ID: "open", StartedAt: old}))
	require.NoError(t, j.CommandRun(ctx, models.AuditCommand{SessionID: "open", Command: "b", CreatedAt: old}))
	require.NoError(t, j.CommandRun(ctx, models.AuditCommand{SessionID: "open", Command: "c", CreatedAt: recent}))

	n, err := j.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sessions, err := j.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "open", sessions[0].ID)

	cmds, err := j.Commands(ctx, "open")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "c", cmds[0].Command)
}

func TestStartRetention(t *testing.T) {
	j, _ := openTestJournal(t)

	assert.Error(t, j.StartRetention(time.Hour, "not a schedule"))
	require.NoError(t, j.StartRetention(time.Hour, ""))
	require.NoError(t, j.StartRetention(time.Hour, "*/5 * * * *"))
	require.NoError(t, j.StartRetention(0, "ignored"))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	ctx := context.Background()
	assert.NoError(t, r.SessionStarted(ctx, models.AuditSession{}))
	assert.NoError(t, r.SessionClosed(ctx, "x", time.Now()))
	assert.NoError(t, r.CommandRun(ctx, models.AuditCommand{}))
}
