package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peterje/shellagent/internal/agent"
	"github.com/peterje/shellagent/internal/api"
	"github.com/peterje/shellagent/internal/audit"
	"github.com/peterje/shellagent/internal/config"
	"github.com/peterje/shellagent/internal/logging"
	"github.com/peterje/shellagent/internal/metrics"
	"github.com/peterje/shellagent/internal/preflight"
	"github.com/peterje/shellagent/internal/server"
	"github.com/peterje/shellagent/internal/session"
	"github.com/peterje/shellagent/internal/tunnel"
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent",
	Long: `Run the agent until SIGINT or SIGTERM.

Every flag can also be set in the config file or through a SHELLAGENT_*
environment variable (for example SHELLAGENT_TUNNEL_SECRET).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", "", "plain TCP address for the session protocol (default 127.0.0.1:1337)")
	f.String("shell", "", "shell to spawn (default $SHELL, then /bin/bash, then /bin/sh)")
	f.String("user-switch", "", "when a requested user cannot be switched to: fail or fallback")
	f.String("tunnel-listen", "", "address for the TLS WebSocket tunnel endpoint")
	f.String("tunnel-secret", "", "pre-shared secret for tunnel clients")
	f.String("admin-listen", "", "address for the read-only admin HTTP server")
	f.String("audit-path", "", "SQLite journal of sessions and commands")

	rootCmd.AddCommand(serveCmd)
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	l := config.NewLoader(cfgFile)
	f := cmd.Flags()
	l.BindFlag("listen", f.Lookup("listen"))
	l.BindFlag("shell.path", f.Lookup("shell"))
	l.BindFlag("user_switch", f.Lookup("user-switch"))
	l.BindFlag("tunnel.listen", f.Lookup("tunnel-listen"))
	l.BindFlag("tunnel.secret", f.Lookup("tunnel-secret"))
	l.BindFlag("admin.listen", f.Lookup("admin-listen"))
	l.BindFlag("audit.path", f.Lookup("audit-path"))
	l.BindFlag("logging.level", cmd.Flag("log-level"))
	return l.Load()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return err
	}
	defer logger.Close()
	cliLog := logger.Component("cli")
	cliLog.Info().
		Str("version", version).
		Str("config", cfgFile).
		Msg("starting shellagent")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(cfg, logger.Logger, nil)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// agentRuntime is a fully wired agent with its listeners bound.
type agentRuntime struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler *agent.Handler
	server  *agent.Server
	journal *audit.Journal

	tcp    net.Listener
	tunnel *tunnel.Listener
	admin  *http.Server
	adminL net.Listener
}

// newAgent builds every component from cfg and binds the listeners. A nil
// spawner spawns real PTY shells.
func newAgent(cfg *config.Config, log zerolog.Logger, spawner agent.Spawner) (_ *agentRuntime, err error) {
	a := &agentRuntime{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	report := preflight.CheckAll(cfg.Shell.Path, cfg.UserSwitchPolicy(), log.With().Str("component", "preflight").Logger())
	if spawner == nil {
		if !report.ShellOK() {
			return nil, fmt.Errorf("shell %q not found", report.Shell.Name)
		}
		spawner = agent.PTYSpawner{Options: cfg.PTYOptions()}
	}

	m := metrics.NewMetrics()
	opts := []agent.HandlerOption{
		agent.WithTiming(cfg.SessionTiming()),
		agent.WithMetrics(m),
		agent.WithLogger(log),
	}

	if cfg.Audit.Path != "" {
		a.journal, err = audit.Open(cfg.Audit.Path, log)
		if err != nil {
			return nil, err
		}
		if err = a.journal.StartRetention(cfg.Retention(), cfg.Audit.PruneSchedule); err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithRecorder(a.journal))
	}

	registry := session.NewRegistry()
	a.handler = agent.NewHandler(registry, spawner, opts...)
	a.server = agent.NewServer(a.handler, log)

	if cfg.Listen != "" {
		a.tcp, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		if !isLoopback(a.tcp.Addr()) {
			log.Warn().
				Str("addr", a.tcp.Addr().String()).
				Msg("plain TCP endpoint is reachable from the network without authentication; anyone who can connect can run commands as this user")
		}
	}

	if cfg.Tunnel.Listen != "" {
		tlsCfg, terr := tunnel.TLSConfig(cfg.Tunnel.TLSCert, cfg.Tunnel.TLSKey, cfg.Tunnel.TLSDir)
		if terr != nil {
			return nil, terr
		}
		a.tunnel, err = tunnel.Listen(cfg.Tunnel.Listen, cfg.Tunnel.Secret, tlsCfg, log)
		if err != nil {
			return nil, err
		}
		a.tunnel.OnReject = m.AuthFailure
	}

	if cfg.Admin.Listen != "" {
		var journal api.Journal
		if a.journal != nil {
			journal = a.journal
		}
		srv := server.New(registry, server.Options{
			Report:     report,
			UserSwitch: cfg.UserSwitchPolicy(),
			Journal:    journal,
			Metrics:    m.Handler(),
			Log:        log,
		})
		a.adminL, err = net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Admin.Listen, err)
		}
		a.admin = &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	}

	return a, nil
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

// run serves every configured endpoint until ctx is cancelled or one of
// them fails, then shuts down.
func (a *agentRuntime) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() { firstErr = err })
		cancel()
	}

	if a.tcp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(a.server.Serve(ctx, a.tcp, "tcp"))
		}()
	}
	if a.tunnel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(a.server.Serve(ctx, a.tunnel, "tunnel"))
		}()
	}
	if a.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info().Str("addr", a.adminL.Addr().String()).Msg("admin server listening")
			if err := a.admin.Serve(a.adminL); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(err)
			}
		}()
	}

	<-ctx.Done()
	a.log.Info().Msg("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("session shutdown incomplete")
	}
	a.closeAll()
	wg.Wait()

	return firstErr
}

// addr returns the bound address of a named endpoint: tcp, tunnel or admin.
func (a *agentRuntime) addr(name string) net.Addr {
	switch {
	case name == "tcp" && a.tcp != nil:
		return a.tcp.Addr()
	case name == "tunnel" && a.tunnel != nil:
		return a.tunnel.Addr()
	case name == "admin" && a.adminL != nil:
		return a.adminL.Addr()
	}
	return nil
}

func (a *agentRuntime) closeAll() {
	if a.tcp != nil {
		a.tcp.Close()
	}
	if a.tunnel != nil {
		a.tunnel.Close()
	}
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		a.admin.Shutdown(ctx)
		cancel()
	}
	if a.adminL != nil {
		a.adminL.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close journal")
		}
		a.journal = nil
	}
}
