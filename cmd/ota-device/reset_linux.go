package main

import "ota-device/internal/bootctl"

func rebootResetter() (bootctl.Resetter, error) {
	return bootctl.RebootResetter{}, nil
}
