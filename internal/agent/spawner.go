package agent

import (
	"github.com/peterje/shellagent/internal/pty"
	"github.com/peterje/shellagent/internal/session"
)

// Spawner starts the shell behind a new session. user is empty when the
// caller did not ask for a specific principal.
type Spawner interface {
	Spawn(user string) (session.Terminal, error)
}

// PTYSpawner spawns real shells on a pseudo-terminal.
type PTYSpawner struct {
	Options pty.Options
}

func (p PTYSpawner) Spawn(user string) (session.Terminal, error) {
	opts := p.Options
	opts.User = user
	proc, err := pty.Spawn(opts)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(user string) (session.Terminal, error)

func (f SpawnerFunc) Spawn(user string) (session.Terminal, error) { return f(user) }
