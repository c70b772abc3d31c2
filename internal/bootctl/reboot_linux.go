package bootctl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RebootResetter restarts the machine through the reboot(2) syscall.
// The process needs CAP_SYS_BOOT.
type RebootResetter struct{}

func (RebootResetter) Reset() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
