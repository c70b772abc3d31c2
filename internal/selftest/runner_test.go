package selftest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestRunner(t *testing.T, env Env, timeout time.Duration, scripts map[string]string) *Runner {
	t.Helper()
	m := newTestManager(t)
	for id, code := range scripts {
		if _, err := m.Save(&Script{ID: id, Meta: ScriptMeta{Name: id}, LuaCode: code}); err != nil {
			t.Fatal(err)
		}
	}
	return NewRunner(m, env, timeout, discard)
}

func TestRunNoScriptsPasses(t *testing.T) {
	r := newTestRunner(t, Env{}, 0, nil)
	res := r.Run(context.Background())
	if !res.OK || len(res.Scripts) != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}

	if res := NewRunner(nil, Env{}, 0, discard).Run(context.Background()); !res.OK {
		t.Errorf("nil manager: %+v", res)
	}
}

func TestRunPass(t *testing.T) {
	env := Env{
		Version:       func() string { return "1.2.3" },
		ImageState:    func() string { return "pending_commit" },
		MQTTConnected: func() bool { return true },
	}
	r := newTestRunner(t, env, 0, map[string]string{
		"version": `
if ota.version() ~= "1.2.3" then ota.fail("unexpected version " .. ota.version()) end
ota.log("running " .. ota.version())`,
		"state": `
if ota.image_state() ~= "pending_commit" then ota.fail("not on trial") end
if not ota.mqtt_connected() then ota.fail("no broker") end`,
	})

	res := r.Run(context.Background())
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Scripts) != 2 || res.Scripts[0].ID != "state" || res.Scripts[1].ID != "version" {
		t.Fatalf("scripts = %+v", res.Scripts)
	}
	if logs := res.Scripts[1].Logs; len(logs) != 1 || logs[0] != "running 1.2.3" {
		t.Errorf("logs = %v", logs)
	}
}

func TestRunFail(t *testing.T) {
	r := newTestRunner(t, Env{}, 0, map[string]string{
		"a_broker": `if not ota.mqtt_connected() then ota.fail("broker unreachable") end`,
		"b_ok":     `ota.log("fine")`,
		"c_error":  `local x = nil; return x.field`,
	})

	res := r.Run(context.Background())
	if res.OK {
		t.Fatal("run passed with failing scripts")
	}
	if len(res.Scripts) != 3 {
		t.Fatalf("scripts = %+v", res.Scripts)
	}
	if s := res.Scripts[0]; s.OK || s.Error != "broker unreachable" {
		t.Errorf("a_broker = %+v", s)
	}
	if !res.Scripts[1].OK {
		t.Errorf("b_ok = %+v", res.Scripts[1])
	}
	if s := res.Scripts[2]; s.OK || s.Error == "" {
		t.Errorf("c_error = %+v", s)
	}

	err := res.Err()
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("Err() = %v, want ErrFailed", err)
	}
	if !strings.Contains(err.Error(), "a_broker: broker unreachable") {
		t.Errorf("Err() = %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, Env{}, 100*time.Millisecond, map[string]string{
		"spin": `while true do end`,
	})
	start := time.Now()
	res := r.Run(context.Background())
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout not enforced")
	}
	if res.OK || !strings.HasPrefix(res.Scripts[0].Error, "timeout") {
		t.Errorf("result = %+v", res)
	}
}

func TestRunSandbox(t *testing.T) {
	for _, code := range []string{
		`os.exit(1)`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
		`dofile("/tmp/x.lua")`,
		`load("return 1")()`,
		`debug.getinfo(1)`,
	} {
		res := NewRunner(nil, Env{}, time.Second, discard).RunCode(context.Background(), "sandbox", code)
		if res.OK {
			t.Errorf("%q ran outside the sandbox", code)
		}
	}
}

func TestRunSkipsDisabled(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{ID: "off", Meta: ScriptMeta{Disabled: true}, LuaCode: `ota.fail("ran")`}); err != nil {
		t.Fatal(err)
	}
	res := NewRunner(m, Env{}, 0, discard).Run(context.Background())
	if !res.OK || len(res.Scripts) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestWaitMQTT(t *testing.T) {
	var up atomic.Bool
	time.AfterFunc(100*time.Millisecond, func() { up.Store(true) })
	env := Env{MQTTConnected: up.Load}

	res := NewRunner(nil, env, 5*time.Second, discard).RunCode(context.Background(), "wait",
		`if not ota.wait_mqtt(3000) then ota.fail("broker never came up") end`)
	if !res.OK {
		t.Errorf("result = %+v", res)
	}

	res = NewRunner(nil, Env{}, 5*time.Second, discard).RunCode(context.Background(), "wait",
		`if not ota.wait_mqtt(50) then ota.fail("no broker") end`)
	if res.OK || res.Error != "no broker" {
		t.Errorf("result = %+v", res)
	}
}
