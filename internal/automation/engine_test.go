//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"lorawan-node/internal/node"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeInput struct {
	mu   sync.Mutex
	keys []byte
	fed  chan struct{}
}

func newFakeInput() *fakeInput {
	return &fakeInput{fed: make(chan struct{}, 16)}
}

func (f *fakeInput) Feed(p ...byte) int {
	f.mu.Lock()
	f.keys = append(f.keys, p...)
	f.mu.Unlock()
	f.fed <- struct{}{}
	return len(p)
}

func (f *fakeInput) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.keys)
}

func (f *fakeInput) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.fed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for input")
	}
}

func newTestEngine(t *testing.T) (*Engine, *node.EventBus, *fakeInput) {
	t.Helper()
	bus := node.NewEventBus(testLogger())
	in := newFakeInput()
	status := func() node.Status {
		return node.Status{State: "app_menu", Band: "EU868", Joined: true, FCntUp: 7}
	}
	e := NewEngine(bus, status, in, newTestManager(t), testLogger())
	t.Cleanup(e.Stop)
	return e, bus, in
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.5, lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestGoToLuaNested(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, map[string]any{"cert": map[string]any{"fport": float64(224)}, "list": []any{"a", "b"}})
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}
	cert, ok := tbl.RawGetString("cert").(*lua.LTable)
	if !ok {
		t.Fatal("cert is not a table")
	}
	if n, ok := cert.RawGetString("fport").(lua.LNumber); !ok || n != 224 {
		t.Errorf("cert.fport = %v, want 224", cert.RawGetString("fport"))
	}
	list := tbl.RawGetString("list").(*lua.LTable)
	if list.Len() != 2 || list.RawGetInt(1).String() != "a" {
		t.Errorf("list = %v", list)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		fields  map[string]any
		want    bool
	}{
		{"type only", luaEventHandler{eventType: "join"}, "join", map[string]any{"status": "accepted"}, true},
		{"wrong type", luaEventHandler{eventType: "join"}, "uplink", nil, false},
		{"wildcard", luaEventHandler{eventType: "*"}, "sleep", nil, true},
		{"string filter", luaEventHandler{eventType: "join", filter: map[string]string{"status": "accepted"}}, "join", map[string]any{"status": "accepted"}, true},
		{"filter mismatch", luaEventHandler{eventType: "join", filter: map[string]string{"status": "accepted"}}, "join", map[string]any{"status": "denied"}, false},
		{"number filter", luaEventHandler{eventType: "downlink", filter: map[string]string{"port": "224"}}, "downlink", map[string]any{"port": float64(224)}, true},
		{"bool filter", luaEventHandler{eventType: "compliance", filter: map[string]string{"valid": "false"}}, "compliance", map[string]any{"valid": false}, true},
		{"missing field", luaEventHandler{eventType: "join", filter: map[string]string{"dev_addr": "1"}}, "join", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.evType, tt.fields); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventFields(t *testing.T) {
	fields := eventFields(node.Event{Type: node.EventDownlink, Data: node.DownlinkData{Port: 2, FCntDown: 9}})
	if fields["port"] != float64(2) || fields["fcnt_down"] != float64(9) {
		t.Errorf("fields = %v", fields)
	}
	if got := eventFields(node.Event{Type: node.EventReset}); len(got) != 0 {
		t.Errorf("nil data fields = %v", got)
	}
}

func TestRunLuaCode(t *testing.T) {
	e, _, in := newTestEngine(t)

	res := e.RunLuaCode(`
node.log("boot")
node.on("join", {status="accepted"}, function(ev)
    node.log("joined " .. ev.status)
    node.press("3")
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, "|") != "boot|joined accepted" {
		t.Errorf("logs = %v", res.Logs)
	}
	if in.String() != "3" {
		t.Errorf("keys = %q, want 3", in.String())
	}
}

func TestRunLuaCodeStatus(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`
local s = node.status()
node.log(s.state .. " " .. s.band .. " " .. s.fcnt_up)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "app_menu EU868 7" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for _, code := range []string{
		`os.exit(1)`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
		`dofile("/tmp/x.lua")`,
	} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: ran outside the sandbox", code)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`while true do end`)
	if res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunScript("missing")
	if res.OK || !strings.HasPrefix(res.Error, "script not found") {
		t.Errorf("result = %+v", res)
	}
}

func TestEngineDispatch(t *testing.T) {
	e, bus, in := newTestEngine(t)

	if _, err := e.manager.Save(&Script{
		Meta: ScriptMeta{Name: "Auto periodic", Enabled: true},
		LuaCode: `
node.on("join", {status="accepted"}, function(ev)
    node.press("3")
end)
node.on("downlink", {port=224}, function(ev)
    node.press("4")
end)
`,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.manager.Save(&Script{
		Meta:    ScriptMeta{Name: "Disabled", Enabled: false},
		LuaCode: `node.on("*", function(ev) node.press("9") end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	if got := e.Running(); len(got) != 1 || got[0] != "auto_periodic" {
		t.Fatalf("running = %v", got)
	}

	bus.Emit(node.Event{Type: node.EventJoin, Data: node.JoinData{Status: "denied"}})
	bus.Emit(node.Event{Type: node.EventJoin, Data: node.JoinData{Status: "accepted", DevAddr: 1}})
	in.wait(t)
	bus.Emit(node.Event{Type: node.EventDownlink, Data: node.DownlinkData{Port: 224}})
	in.wait(t)

	if in.String() != "34" {
		t.Errorf("keys = %q, want 34", in.String())
	}
}

func TestEngineRebind(t *testing.T) {
	e, old, in := newTestEngine(t)

	if _, err := e.manager.Save(&Script{
		Meta:    ScriptMeta{Name: "Sleeper", Enabled: true},
		LuaCode: `node.on("sleep", function(ev) node.press("5") end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	bus := node.NewEventBus(testLogger())
	e.Rebind(bus, func() node.Status { return node.Status{} })

	old.Emit(node.Event{Type: node.EventSleep, Data: node.SleepData{SleptMs: 10}})
	bus.Emit(node.Event{Type: node.EventSleep, Data: node.SleepData{SleptMs: 10}})
	in.wait(t)

	if in.String() != "5" {
		t.Errorf("keys = %q, want 5 from the new bus only", in.String())
	}
}

func TestEngineReloadAndStop(t *testing.T) {
	e, _, _ := newTestEngine(t)

	s, err := e.manager.Save(&Script{
		Meta:    ScriptMeta{Name: "Toggle", Enabled: true},
		LuaCode: `node.log("x")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 1 {
		t.Fatalf("running = %v", e.Running())
	}

	s.Meta.Enabled = false
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 0 {
		t.Errorf("disabled script still running: %v", e.Running())
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestSystemModule(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, &Engine{logger: testLogger()})

	for _, comp := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q): %v", comp, err)
		}
		if typ := L.GetGlobal("_result").Type(); typ != lua.LTNumber {
			t.Errorf("system.datetime(%q) type = %v", comp, typ)
		}
	}
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
	if err := L.DoString(`system.log("warn", "hi")`); err != nil {
		t.Error(err)
	}
}

func TestSystemDatetimeFormat(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	now := time.Date(2024, 3, 9, 7, 5, 3, 0, time.UTC)
	L.SetGlobal("at", L.NewFunction(func(L *lua.LState) int { return systemDatetime(L, now) }))
	if err := L.DoString(`_t = at("time_str") _d = at("date_str")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_t").String(); got != "07:05:03" {
		t.Errorf("time_str = %q", got)
	}
	if got := L.GetGlobal("_d").String(); got != "2024-03-09" {
		t.Errorf("date_str = %q", got)
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestScriptLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"loud":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for name, want := range tests {
		if got := scriptLogLevel(name); got != want {
			t.Errorf("scriptLogLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
