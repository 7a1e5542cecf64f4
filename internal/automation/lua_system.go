//go:build !no_automation

package automation

import (
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// datetimeFields are the components accepted by system.datetime.
var datetimeFields = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// registerSystemModule installs the `system` table: wall clock helpers and
// leveled logging.
func registerSystemModule(L *lua.LState, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime": func(L *lua.LState) int {
			return systemDatetime(L, time.Now())
		},
		"time_between": func(L *lua.LState) int {
			L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
			return 1
		},
		"log": func(L *lua.LState) int {
			e.logger.Log(L.Context(), scriptLogLevel(L.CheckString(1)), "script log", "msg", L.CheckString(2))
			return 0
		},
	}))
}

func systemDatetime(L *lua.LState, now time.Time) int {
	name := L.CheckString(1)
	field, ok := datetimeFields[name]
	if !ok {
		L.ArgError(1, "unknown component: "+name)
		return 0
	}
	L.Push(field(now))
	return 1
}

// hourBetween reports whether hour lies in [from, to), wrapping past midnight
// when from > to.
func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// scriptLogLevel maps a level name to a slog level; unknown names log at info.
func scriptLogLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
