//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"
)

const (
	scriptExt     = ".lua"
	metaPrefix    = "-- "
	maxSlugLength = 40
)

// ErrScriptNotFound is returned when no file exists for a script ID.
var ErrScriptNotFound = errors.New("script not found")

// Manager keeps the automation scripts of one directory, one file per
// script. The first line of a file is a Lua comment holding ScriptMeta as
// JSON.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager creates the directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// List returns every readable script, ordered by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != scriptExt {
			continue
		}
		s, err := m.readScript(filepath.Join(m.dir, name))
		if err != nil {
			slog.Warn("skip unreadable script", "file", name, "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get loads one script.
func (m *Manager) Get(id string) (*Script, error) {
	path, err := m.file(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.readScript(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, err
}

// Save parses the code and writes the script. A script without an ID gets
// one derived from its name, suffixed until no file uses it.
func (m *Manager) Save(s *Script) (*Script, error) {
	if s.ID != "" {
		if _, err := m.file(s.ID); err != nil {
			return nil, err
		}
	}
	if _, err := parse.Parse(strings.NewReader(s.LuaCode), s.Meta.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	s.FilePath = filepath.Join(m.dir, s.ID+scriptExt)
	if err := os.WriteFile(s.FilePath, []byte(serializeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes the script file.
func (m *Manager) Delete(id string) error {
	path, err := m.file(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// file maps an ID to its path, refusing IDs that would leave the directory.
func (m *Manager) file(id string) (string, error) {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid script id: %q", id)
	}
	return filepath.Join(m.dir, id+scriptExt), nil
}

func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+scriptExt)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

func (m *Manager) readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), scriptExt),
		FilePath: path,
		LuaCode:  string(data),
	}

	first, rest, _ := strings.Cut(s.LuaCode, "\n")
	if !strings.HasPrefix(first, metaPrefix+"{") {
		return s, nil
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(first, metaPrefix)), &s.Meta); err != nil {
		slog.Warn("script metadata parse error", "file", path, "err", err)
	}
	s.LuaCode = strings.TrimLeft(rest, "\n")
	return s, nil
}

func serializeScript(s *Script) string {
	meta, _ := json.Marshal(s.Meta)
	out := metaPrefix + string(meta) + "\n"
	if s.LuaCode == "" {
		return out
	}
	out += "\n" + s.LuaCode
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

// slugify lowercases name and joins its alphanumeric runs with '_'.
func slugify(name string) string {
	var b strings.Builder
	gap := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if gap && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			gap = false
			continue
		}
		gap = true
	}
	s := b.String()
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "_")
	}
	return s
}
