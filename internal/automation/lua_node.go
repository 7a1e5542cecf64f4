//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerNodeModule registers the `node` global table. When capture is
// set, node.log output goes there instead of the engine logger.
func registerNodeModule(L *lua.LState, vm *scriptVM, e *Engine, capture func(string)) {
	mod := L.NewTable()

	// node.on(type, [filter], fn)
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		h := luaEventHandler{eventType: L.CheckString(1)}
		if L.GetTop() >= 3 {
			h.filter = map[string]string{}
			L.CheckTable(2).ForEach(func(k, v lua.LValue) {
				h.filter[k.String()] = v.String()
			})
			h.fn = L.CheckFunction(3)
		} else {
			h.fn = L.CheckFunction(2)
		}
		vm.addHandler(h)
		return 0
	}))

	// node.press(keys) returns the number of accepted keys.
	mod.RawSetString("press", L.NewFunction(func(L *lua.LState) int {
		keys := L.CheckString(1)
		if e.input == nil {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(e.input.Feed([]byte(keys)...)))
		return 1
	}))

	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		e.mu.Lock()
		status := e.status
		e.mu.Unlock()
		if status == nil {
			L.Push(lua.LNil)
			return 1
		}
		raw, err := json.Marshal(status())
		if err != nil {
			L.RaiseError("status: %v", err)
			return 0
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			L.RaiseError("status: %v", err)
			return 0
		}
		L.Push(goToLua(L, m))
		return 1
	}))

	// node.after(seconds, fn) runs fn once on the script's VM.
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
		fn := L.CheckFunction(2)
		go func() {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-vm.ctx.Done():
				return
			case <-t.C:
			}
			call := func(L *lua.LState) {
				if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
					e.logger.Error("lua timer error", "err", err)
				}
			}
			if !vm.enqueue(call) && vm.ctx.Err() == nil {
				e.logger.Warn("script command queue full, dropping timer")
			}
		}()
		return 0
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if capture != nil {
			capture(msg)
			return 0
		}
		e.logger.Info("script", "msg", msg)
		return 0
	}))

	L.SetGlobal("node", mod)
}
