//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Rejoin Watch",
			Description: "Log join failures",
			Enabled:     true,
		},
		LuaCode: `node.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "rejoin_watch" {
		t.Errorf("id = %q, want rejoin_watch", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `node.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		ID:      "my_script",
		Meta:    ScriptMeta{Name: "My Script", Enabled: true},
		LuaCode: `node.log("v1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	saved.LuaCode = `node.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `node.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerSaveRejects(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name string
		s    *Script
	}{
		{"syntax error", &Script{Meta: ScriptMeta{Name: "bad"}, LuaCode: `node.on("join", function(e)`}},
		{"path in id", &Script{ID: "../escape", LuaCode: `node.log("x")`}},
		{"separator in id", &Script{ID: "a/b", LuaCode: `node.log("x")`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Save(tt.s); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("rejected scripts written: %d", len(scripts))
	}
}

func TestManagerSaveSyntaxSentinel(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Save(&Script{Meta: ScriptMeta{Name: "bad"}, LuaCode: `if then`})
	if !errors.Is(err, ErrInvalidScript) {
		t.Errorf("err = %v, want ErrInvalidScript", err)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `node.log("` + name + `")`,
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-script files are ignored.
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
	for i, id := range []string{"alpha", "beta", "gamma"} {
		if scripts[i].ID != id {
			t.Errorf("scripts[%d] = %q, want %q", i, scripts[i].ID, id)
		}
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "ToDelete", Enabled: true},
		LuaCode: `node.log("bye")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(".."); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `node.log("1")`})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `node.log("2")`})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
	if s2.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", s2.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Downlink Echo","description":"Log class C downlinks","enabled":true}

node.on("downlink", {port=2}, function(event)
    node.log(event.payload)
end)
`
	path := filepath.Join(dir, "echo.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir}
	s, err := m.readScript(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "echo" {
		t.Errorf("id = %q, want echo", s.ID)
	}
	if s.Meta.Name != "Downlink Echo" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `node.on("downlink"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptFileWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(path, []byte("node.log(\"hi\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir}
	s, err := m.readScript(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "" || s.Meta.Enabled {
		t.Errorf("meta = %+v, want zero", s.Meta)
	}
	if s.LuaCode != "node.log(\"hi\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Description: "desc", Enabled: true},
		LuaCode: `node.log("hi")`,
	})

	want := "-- {\"name\":\"Test\",\"description\":\"desc\",\"enabled\":true}\n\nnode.log(\"hi\")\n"
	if content != want {
		t.Errorf("serialized = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Rejoin Watch", "rejoin_watch"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{"Join -> Uplink", "join_uplink"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
