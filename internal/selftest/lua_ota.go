package selftest

import (
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// scriptRun collects the output of one script.
type scriptRun struct {
	id         string
	env        Env
	logger     *slog.Logger
	logs       []string
	failReason string
}

// registerOTAModule registers the `ota` global table.
func registerOTAModule(L *lua.LState, run *scriptRun) {
	mod := L.NewTable()

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		run.logs = append(run.logs, msg)
		run.logger.Info("script log", "id", run.id, "msg", msg)
		return 0
	}))

	mod.RawSetString("fail", L.NewFunction(func(L *lua.LState) int {
		reason := L.OptString(1, "failed")
		run.failReason = reason
		L.RaiseError("%s", reason)
		return 0
	}))

	mod.RawSetString("version", L.NewFunction(func(L *lua.LState) int {
		v := ""
		if run.env.Version != nil {
			v = run.env.Version()
		}
		L.Push(lua.LString(v))
		return 1
	}))

	mod.RawSetString("image_state", L.NewFunction(func(L *lua.LState) int {
		s := ""
		if run.env.ImageState != nil {
			s = run.env.ImageState()
		}
		L.Push(lua.LString(s))
		return 1
	}))

	mod.RawSetString("mqtt_connected", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(run.mqttConnected()))
		return 1
	}))

	// ota.wait_mqtt(ms) polls until the broker connection is up.
	mod.RawSetString("wait_mqtt", L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckInt(1)
		L.Push(lua.LBool(run.waitMQTT(L, time.Duration(ms)*time.Millisecond)))
		return 1
	}))

	L.SetGlobal("ota", mod)
}

func (r *scriptRun) mqttConnected() bool {
	return r.env.MQTTConnected != nil && r.env.MQTTConnected()
}

func (r *scriptRun) waitMQTT(L *lua.LState, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	var done <-chan struct{}
	if ctx := L.Context(); ctx != nil {
		done = ctx.Done()
	}
	for {
		if r.mqttConnected() {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return r.mqttConnected()
		case <-done:
			return false
		}
	}
}
