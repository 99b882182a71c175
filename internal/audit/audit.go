// Package audit journals sessions and the commands run in them to SQLite.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/peterje/shellagent/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Recorder receives session and command events. Implementations must be
// safe for concurrent use.
type Recorder interface {
	SessionStarted(ctx context.Context, s models.AuditSession) error
	SessionClosed(ctx context.Context, id string, at time.Time) error
	CommandRun(ctx context.Context, c models.AuditCommand) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) SessionStarted(context.Context, models.AuditSession) error { return nil }
func (Nop) SessionClosed(context.Context, string, time.Time) error    { return nil }
func (Nop) CommandRun(context.Context, models.AuditCommand) error     { return nil }

// Journal is the SQLite-backed Recorder.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var _ Recorder = (*Journal)(nil)

// Open opens (creating if needed) the journal at path and applies pending
// migrations. Sessions left open by a previous run are marked closed.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	j := &Journal{db: db, log: log.With().Str("component", "audit").Logger()}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	n, err := j.closeStale(context.Background(), time.Now())
	if err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		j.log.Info().Int64("count", n).Msg("closed stale sessions from previous run")
	}
	return j, nil
}

// migrate applies every embedded migration newer than PRAGMA user_version.
// Files are named NNN_description.sql and applied in order.
func (j *Journal) migrate() error {
	var version int
	if err := j.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(name), "%d_", &n); err != nil {
			return fmt.Errorf("migration %s: bad name", name)
		}
		if n <= version {
			continue
		}

		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", n)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		j.log.Debug().Str("migration", name).Msg("applied migration")
	}
	return nil
}

func (j *Journal) closeStale(ctx context.Context, at time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `UPDATE sessions SET closed_at = ? WHERE closed_at IS NULL`, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// SessionStarted inserts a session row.
func (j *Journal) SessionStarted(ctx context.Context, s models.AuditSession) error {
	transport := s.Transport
	if transport == "" {
		transport = "tcp"
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user, pid, transport, started_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.User, s.PID, transport, s.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionClosed stamps closed_at on a session row.
func (j *Journal) SessionClosed(ctx context.Context, id string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// CommandRun inserts a command row.
func (j *Journal) CommandRun(ctx context.Context, c models.AuditCommand) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO commands (session_id, command, timeout_ms, output_bytes, timed_out, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Command, c.TimeoutMs, c.OutputBytes, c.TimedOut, c.DurationMs, c.Error, created.UTC())
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]models.AuditSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, user, pid, transport, started_at, closed_at FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.AuditSession{}
	for rows.Next() {
		var (
			s      models.AuditSession
			pid    sql.NullInt64
			closed sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.User, &pid, &s.Transport, &s.StartedAt, &closed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if pid.Valid {
			p := int(pid.Int64)
			s.PID = &p
		}
		if closed.Valid {
			t := closed.Time
			s.ClosedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Commands returns the commands run in a session, oldest first.
func (j *Journal) Commands(ctx context.Context, sessionID string) ([]models.AuditCommand, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, command, timeout_ms, output_bytes, timed_out, duration_ms, error, created_at
		FROM commands WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	commands := []models.AuditCommand{}
	for rows.Next() {
		var c models.AuditCommand
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Command, &c.TimeoutMs, &c.OutputBytes,
			&c.TimedOut, &c.DurationMs, &c.Error, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// Prune deletes closed sessions (with their commands) that closed before
// cutoff, and any command older than cutoff. Open sessions are kept.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cmds, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	sess, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	nc, _ := cmds.RowsAffected()
	ns, _ := sess.RowsAffected()
	return nc + ns, nil
}

// StartRetention prunes rows older than retention on the given cron
// schedule (standard five-field syntax or a descriptor such as "@hourly").
func (j *Journal) StartRetention(retention time.Duration, schedule string) error {
	if retention <= 0 {
		return nil
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = "@hourly"
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := j.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			j.log.Error().Err(err).Msg("retention prune failed")
			return
		}
		if n > 0 {
			j.log.Info().Int64("rows", n).Msg("pruned journal")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}

	j.mu.Lock()
	if j.cron != nil {
		j.cron.Stop()
	}
	j.cron = c
	j.mu.Unlock()

	c.Start()
	j.log.Info().Dur("retention", retention).Str("schedule", schedule).Msg("journal retention enabled")
	return nil
}

// Close stops retention and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
	j.mu.Unlock()
	return j.db.Close()
}
