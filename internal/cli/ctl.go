package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/shellagent/internal/agent"
	"github.com/peterje/shellagent/internal/client"
	"github.com/peterje/shellagent/internal/config"
	"github.com/peterje/shellagent/internal/logging"
	"github.com/peterje/shellagent/internal/tunnel"
)

var ctlOpts struct {
	addr     string
	tunnel   string
	secret   string
	insecure bool
	timeout  time.Duration
	user     string
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running agent",
	Long: `Send protocol requests to a running agent, either directly over TCP
(--addr) or through its tunnel endpoint (--tunnel wss://host:port/tunnel).`,
}

var ctlStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		id, err := c.StartSession(cmd.Context(), ctlOpts.user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var ctlExecCmd = &cobra.Command{
	Use:   "exec <session-id> <command>...",
	Short: "Run a command in a session and print its output",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		out, err := c.Exec(cmd.Context(), args[0], strings.Join(args[1:], " "), ctlOpts.timeout)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), out)
		return nil
	},
}

var ctlCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		return c.CloseSession(cmd.Context(), args[0])
	},
}

var ctlRunCmd = &cobra.Command{
	Use:   "run <command>...",
	Short: "Run one command in a throwaway session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		out, err := c.Run(cmd.Context(), ctlOpts.user, strings.Join(args, " "), ctlOpts.timeout)
		printOutput(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	pf := ctlCmd.PersistentFlags()
	pf.StringVar(&ctlOpts.addr, "addr", agent.DefaultAddr, "agent TCP address")
	pf.StringVar(&ctlOpts.tunnel, "tunnel", "", "tunnel URL; overrides --addr")
	pf.StringVar(&ctlOpts.secret, "secret", "", "tunnel secret (default $"+config.EnvPrefix+"_TUNNEL_SECRET)")
	pf.BoolVar(&ctlOpts.insecure, "insecure", false, "skip tunnel certificate verification")

	ctlStartCmd.Flags().StringVar(&ctlOpts.user, "user", "", "run the shell as this user")
	ctlRunCmd.Flags().StringVar(&ctlOpts.user, "user", "", "run the shell as this user")
	ctlExecCmd.Flags().DurationVar(&ctlOpts.timeout, "timeout", 5*time.Second, "command timeout")
	ctlRunCmd.Flags().DurationVar(&ctlOpts.timeout, "timeout", 5*time.Second, "command timeout")

	ctlCmd.AddCommand(ctlStartCmd, ctlExecCmd, ctlCloseCmd, ctlRunCmd)
	rootCmd.AddCommand(ctlCmd)
}

func newCtlClient() (*client.Client, error) {
	if ctlOpts.tunnel == "" {
		return client.New(client.TCP(ctlOpts.addr)), nil
	}

	level := logLevel
	if level == "" {
		level = "warn"
	}
	logger, err := logging.New(logging.Config{Level: level})
	if err != nil {
		return nil, err
	}

	secret := ctlOpts.secret
	if secret == "" {
		secret = os.Getenv(config.EnvPrefix + "_TUNNEL_SECRET")
	}
	d := tunnel.Dialer{
		URL:      ctlOpts.tunnel,
		Secret:   secret,
		Insecure: ctlOpts.insecure,
		Log:      logger.Logger,
	}
	return client.New(d.DialContext), nil
}

func printOutput(w io.Writer, out string) {
	if out == "" {
		return
	}
	fmt.Fprint(w, out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(w)
	}
}
