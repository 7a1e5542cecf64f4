//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"lorawan-node/internal/node"
)

const (
	runTimeout   = 5 * time.Second
	commandQueue = 64
)

// sandboxRemoved are the globals stripped from every script state.
var sandboxRemoved = []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"}

// Input is where scripts inject operator keys.
type Input interface {
	Feed(p ...byte) int
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for one event type ("*" for
// all). Every filter entry must equal the matching event field.
type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM owns one Lua state. Only the goroutine started by run touches
// the state; everything else reaches it through enqueue.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler
}

func newScriptVM(parent context.Context) *scriptVM {
	ctx, cancel := context.WithCancel(parent)
	L := lua.NewState()
	for _, name := range sandboxRemoved {
		L.SetGlobal(name, lua.LNil)
	}
	return &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (vm *scriptVM) addHandler(h luaEventHandler) {
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
}

func (vm *scriptVM) snapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// enqueue hands fn to the VM goroutine without blocking. It reports false
// when the VM is stopped or its queue is full.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// run executes queued commands until the VM is cancelled, then closes the
// state.
func (vm *scriptVM) run() {
	defer vm.state.Close()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case fn := <-vm.commands:
			fn(vm.state)
		}
	}
}

// Engine runs the enabled scripts against node events. It survives node
// resets through Rebind.
type Engine struct {
	manager *Manager
	input   Input
	logger  *slog.Logger

	mu     sync.Mutex
	events *node.EventBus
	status func() node.Status
	vms    map[string]*scriptVM
	unsub  func()
}

// NewEngine creates an engine; scripts start with Start.
func NewEngine(events *node.EventBus, status func() node.Status, input Input, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		events:  events,
		status:  status,
		input:   input,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to node events and loads all enabled scripts.
func (e *Engine) Start() {
	e.mu.Lock()
	e.unsub = e.events.OnAll(e.dispatchEvent)
	e.mu.Unlock()

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Rebind moves the engine to the event bus of a new node instance.
// Running scripts keep their handlers.
func (e *Engine) Rebind(events *node.EventBus, status func() node.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsub != nil {
		e.unsub()
	}
	e.events, e.status = events, status
	e.unsub = events.OnAll(e.dispatchEvent)
}

// Stop cancels all VMs and unsubscribes from node events.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript replaces the running VM of a script with a fresh one; a
// disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()

	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// Running returns the sorted IDs of the running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		msg := err.Error()
		if !errors.Is(err, ErrScriptNotFound) {
			msg = "script not found: " + msg
		}
		return &RunResult{Error: msg, Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM, then calls every handler it
// registered once with a synthetic event built from the handler's type
// and filter. node.log output is captured into the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	res := &RunResult{OK: true}
	defer func() { res.Duration = time.Since(start).String() }()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	vm := newScriptVM(ctx)
	defer vm.cancel()
	defer vm.state.Close()
	vm.state.SetContext(ctx)

	var mu sync.Mutex
	registerNodeModule(vm.state, vm, e, func(msg string) {
		mu.Lock()
		res.Logs = append(res.Logs, msg)
		mu.Unlock()
	})
	registerSystemModule(vm.state, e)

	fail := func(err error) *RunResult {
		res.OK = false
		res.Error = err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Error = fmt.Sprintf("timeout (%s)", runTimeout)
		}
		return res
	}

	if err := vm.state.DoString(code); err != nil {
		return fail(err)
	}
	for _, h := range vm.snapshot() {
		ev := vm.state.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		for k, v := range h.filter {
			ev.RawSetString(k, lua.LString(v))
		}
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			e.logger.Warn("script handler error", "event", h.eventType, "err", err)
			return fail(err)
		}
	}
	return res
}

func (e *Engine) startScript(s *Script) error {
	vm := newScriptVM(context.Background())
	registerNodeModule(vm.state, vm, e, nil)
	registerSystemModule(vm.state, e)

	if err := vm.state.DoString(s.LuaCode); err != nil {
		vm.cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go vm.run()
	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent runs on the node loop: matching handlers are queued on
// their VM, never called inline.
func (e *Engine) dispatchEvent(event node.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := eventFields(event)
	for _, vm := range vms {
		for _, h := range vm.snapshot() {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			if !vm.enqueue(func(L *lua.LState) { e.callHandler(L, fn, event.Type, fields) }) && vm.ctx.Err() == nil {
				e.logger.Warn("script command queue full, dropping event", "event", event.Type)
			}
		}
	}
}

// eventFields flattens the event payload into its JSON field names.
func eventFields(event node.Event) map[string]any {
	fields := map[string]any{}
	if event.Data == nil {
		return fields
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fields
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	for k, want := range h.filter {
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := goToLua(L, fields).(*lua.LTable)
	ev.RawSetString("type", lua.LString(eventType))
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "event", eventType, "err", err)
	}
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
