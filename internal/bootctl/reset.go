package bootctl

import (
	"fmt"
	"os"
)

// ExitResetter exits the process and leaves the restart to a supervisor
// such as systemd.
type ExitResetter struct {
	Code int
	// Exit defaults to os.Exit.
	Exit func(code int)
}

func (r ExitResetter) Reset() error {
	exit := r.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(r.Code)
	return nil
}

// DevWatchdog disables a Linux watchdog device using the magic close.
// Kernels built with CONFIG_WATCHDOG_NOWAYOUT ignore it.
type DevWatchdog struct {
	Path string
}

func (w DevWatchdog) Disable() error {
	f, err := os.OpenFile(w.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open watchdog: %w", err)
	}
	if _, err := f.Write([]byte("V")); err != nil {
		f.Close()
		return fmt.Errorf("write watchdog: %w", err)
	}
	return f.Close()
}
