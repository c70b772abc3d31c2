// Package selftest runs the Lua checks that decide whether an image on
// trial is accepted.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds a single script.
const DefaultTimeout = 10 * time.Second

// ErrFailed is returned by Result.Err when any script failed.
var ErrFailed = errors.New("self test failed")

// Env exposes device state to scripts. Nil functions report zero values.
type Env struct {
	Version       func() string
	ImageState    func() string
	MQTTConnected func() bool
}

// ScriptResult is the outcome of one script.
type ScriptResult struct {
	ID       string   `json:"id"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Result is the outcome of a full run.
type Result struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Scripts  []ScriptResult `json:"scripts"`
	Duration string         `json:"duration"`
}

// Err returns nil for a passing run and an ErrFailed wrapper naming the
// failed scripts otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != "" {
		return fmt.Errorf("%w: %s", ErrFailed, r.Error)
	}
	var failed []string
	for _, s := range r.Scripts {
		if !s.OK {
			failed = append(failed, s.ID+": "+s.Error)
		}
	}
	return fmt.Errorf("%w: %s", ErrFailed, strings.Join(failed, "; "))
}

// Runner executes every enabled script in a fresh sandboxed VM.
type Runner struct {
	manager *Manager
	env     Env
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a runner. A nil manager means no scripts, which passes.
func NewRunner(mgr *Manager, env Env, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		manager: mgr,
		env:     env,
		timeout: timeout,
		logger:  logger.With("component", "selftest"),
	}
}

// Run executes all enabled scripts in id order. Every script runs even
// after a failure so the result lists them all.
func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	res := Result{OK: true, Scripts: []ScriptResult{}}

	var scripts []*Script
	if r.manager != nil {
		var err error
		scripts, err = r.manager.List()
		if err != nil {
			r.logger.Error("list scripts", "err", err)
			return Result{Error: err.Error(), Scripts: res.Scripts, Duration: time.Since(start).String()}
		}
	}

	for _, s := range scripts {
		if s.Meta.Disabled {
			continue
		}
		sr := r.RunCode(ctx, s.ID, s.LuaCode)
		if !sr.OK {
			res.OK = false
		}
		res.Scripts = append(res.Scripts, sr)
	}
	res.Duration = time.Since(start).String()
	r.logger.Info("self test finished", "ok", res.OK, "scripts", len(res.Scripts), "duration", res.Duration)
	return res
}

// RunCode executes code as the script id.
func (r *Runner) RunCode(ctx context.Context, id, code string) ScriptResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	run := &scriptRun{id: id, env: r.env, logger: r.logger}
	registerOTAModule(L, run)

	err := L.DoString(code)
	res := ScriptResult{ID: id, OK: err == nil, Logs: run.logs, Duration: time.Since(start).String()}
	if res.Logs == nil {
		res.Logs = []string{}
	}
	switch {
	case err == nil:
	case run.failReason != "":
		res.Error = run.failReason
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Error = fmt.Sprintf("timeout (%s)", r.timeout)
	default:
		res.Error = err.Error()
	}
	if err != nil {
		r.logger.Warn("self test script failed", "id", id, "err", res.Error)
	}
	return res
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}
