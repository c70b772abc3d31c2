//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"ota-device/internal/bootctl"
)

func rebootResetter() (bootctl.Resetter, error) {
	return nil, fmt.Errorf("reset.mode reboot is not supported on %s", runtime.GOOS)
}
