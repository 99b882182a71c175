package preflight

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/peterje/shellagent/internal/models"
	"github.com/peterje/shellagent/internal/pty"
)

// Report is what the agent found about its host at startup.
type Report struct {
	Shell models.ToolStatus
	Tools []models.ToolStatus
	Root  bool
}

// ShellOK reports whether sessions can be spawned at all.
func (r Report) ShellOK() bool {
	return r.Shell.Installed
}

// CheckAll inspects the shell and the user-switch helper and logs what it
// found. shell may be empty for the platform default.
func CheckAll(shell string, policy pty.UserSwitchPolicy, log zerolog.Logger) Report {
	if shell == "" {
		shell = pty.DefaultShell()
	}

	r := Report{
		Shell: checkTool(shell),
		Tools: []models.ToolStatus{checkTool("su")},
		Root:  isRoot(),
	}

	if !r.Shell.Installed {
		log.Error().Str("shell", shell).Msg("shell not found; sessions cannot start")
	} else {
		log.Info().Str("shell", r.Shell.Path).Msg("shell found")
	}

	su := r.Tools[0]
	switch {
	case runtime.GOOS == "windows":
		log.Warn().Str("policy", string(policy)).Msg("user switching is not supported on this platform")
	case !su.Installed:
		log.Warn().Str("policy", string(policy)).Msg("su not found; sessions requested for another user will fail")
	case !r.Root:
		log.Warn().Msg("not running as root; su will prompt for a password and sessions for other users will hang")
	default:
		log.Info().Str("su", su.Path).Msg("user switching available")
	}

	return r
}

func checkTool(name string) models.ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.ToolStatus{Name: name, Installed: false}
	}
	return models.ToolStatus{Name: name, Installed: true, Path: path}
}

func isRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == 0
}
