package updater

import (
	"os"
)

// Restarter ends the process so the new version starts. Implementations
// normally do not return.
type Restarter interface {
	Restart(reason string)
}

// ExitRestarter exits with status 0 and leaves relaunching to the service
// supervisor (systemd, NSSM, a scheduled task).
type ExitRestarter struct {
	// Flush runs before exit, e.g. to close the audit and log files.
	Flush func()
	// Exit defaults to os.Exit.
	Exit func(code int)
}

func (r ExitRestarter) Restart(reason string) {
	log.Info("restarting agent", "reason", reason)
	if r.Flush != nil {
		r.Flush()
	}
	exit := r.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(0)
}

// RestarterFunc adapts a function to Restarter.
type RestarterFunc func(reason string)

func (f RestarterFunc) Restart(reason string) { f(reason) }
