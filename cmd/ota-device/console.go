package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ota-device/internal/bootctl"
	"ota-device/internal/pal"
)

const consoleHelp = "commands: state, accept, reject, abort, test, selftest, activate, discard, stats, version, reset"

// consoleCommands returns the handler for lines typed on the serial console.
func consoleCommands(p *pal.PAL, logger *slog.Logger) func(line string) string {
	return func(line string) string {
		cmd := strings.ToLower(strings.Fields(line)[0])
		logger.Debug("console command", "cmd", cmd)

		switch cmd {
		case "help", "?":
			return consoleHelp
		case "state":
			st := p.Status()
			return fmt.Sprintf("state=%s staged=%t size=%d in_progress=%t", st.ImageState, st.Staged, st.StagedSize, st.InProgress)
		case "accept", "reject", "abort", "test":
			req, err := bootctl.ParseStateRequest(cmd)
			if err != nil {
				return "error: " + err.Error()
			}
			if err := p.SetPlatformImageState(req); err != nil {
				return "error: " + err.Error()
			}
			return "ok: " + p.GetPlatformImageState().String()
		case "activate":
			if err := p.ActivateImage(); err != nil {
				return "error: " + err.Error()
			}
			return "ok"
		case "discard":
			p.DiscardImage()
			return "ok"
		case "stats":
			s := p.Stats()
			return fmt.Sprintf("received=%d processed=%d dropped=%d", s.Received, s.Processed, s.Dropped)
		case "version":
			v := p.Version()
			return fmt.Sprintf("%s (0x%08X)", v, v.Uint32())
		case "reset":
			// Give the reply a chance to reach the port.
			go func() {
				time.Sleep(100 * time.Millisecond)
				if err := p.ResetDevice(); err != nil {
					logger.Error("console reset", "err", err)
				}
			}()
			return "resetting"
		case "selftest":
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := p.OnComplete(ctx, pal.JobStartTest); err != nil {
				return "error: " + err.Error()
			}
			return "ok: " + p.GetPlatformImageState().String()
		default:
			return "unknown command, " + consoleHelp
		}
	}
}
