package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"lorawan-node/internal/mac"
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

func (f *fakeInput) Feed(p ...byte) int {
	f.mu.Lock()
	f.keys = append(f.keys, p...)
	f.mu.Unlock()
	select {
	case f.fed <- struct{}{}:
	default:
	}
	return len(p)
}

func (f *fakeInput) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.keys)
}

type fakeInjector struct {
	port    uint8
	payload []byte
	err     error
}

func (f *fakeInjector) Inject(port uint8, payload []byte) error {
	f.port, f.payload = port, payload
	return f.err
}

type testEnv struct {
	srv   *Server
	bus   *node.EventBus
	input *fakeInput
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	env := &testEnv{
		bus:   node.NewEventBus(testLogger()),
		input: &fakeInput{fed: make(chan struct{}, 8)},
	}
	status := func() node.Status {
		return node.Status{State: "app_menu", Band: "EU868", Joined: true, DevAddr: 0x26011234, FCntUp: 3}
	}
	env.srv = NewServer(env.bus, status, env.input, testLogger(), opts...)
	t.Cleanup(env.srv.Stop)
	return env
}

func (env *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got node.Status
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "app_menu" || !got.Joined || got.DevAddr != 0x26011234 || got.FCntUp != 3 {
		t.Errorf("status = %+v", got)
	}
}

func TestAPIStatusRebind(t *testing.T) {
	env := newTestEnv(t)

	bus := node.NewEventBus(testLogger())
	env.srv.Rebind(bus, func() node.Status { return node.Status{State: "init_menu"} })

	var got node.Status
	w := env.do(http.MethodGet, "/api/status", "")
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "init_menu" {
		t.Errorf("state = %q after rebind", got.State)
	}
}

func TestAPIVersion(t *testing.T) {
	env := newTestEnv(t, WithVersion("1.2.3"))

	w := env.do(http.MethodGet, "/api/version", "")
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["version"] != "1.2.3" {
		t.Errorf("version = %q", got["version"])
	}
}

func TestAPIInput(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKeys string
	}{
		{"keys", `{"keys":"12"}`, http.StatusOK, "12"},
		{"empty", `{"keys":""}`, http.StatusBadRequest, ""},
		{"bad json", `{keys`, http.StatusBadRequest, ""},
		{"too long", `{"keys":"` + string(bytes.Repeat([]byte("1"), 65)) + `"}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(http.MethodPost, "/api/input", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if env.input.String() != tt.wantKeys {
				t.Errorf("keys = %q, want %q", env.input.String(), tt.wantKeys)
			}
		})
	}
}

func TestAPIDownlink(t *testing.T) {
	inj := &fakeInjector{}
	env := newTestEnv(t, WithDownlinkInjector(inj))

	w := env.do(http.MethodPost, "/api/downlink", `{"port":224,"payload_hex":"08 01 FF"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if inj.port != 224 || !bytes.Equal(inj.payload, []byte{0x08, 0x01, 0xFF}) {
		t.Errorf("injected port %d payload % X", inj.port, inj.payload)
	}
}

func TestAPIDownlinkErrors(t *testing.T) {
	tests := []struct {
		name     string
		inj      *fakeInjector
		body     string
		wantCode int
	}{
		{"no injector", nil, `{"port":2,"payload_hex":"00"}`, http.StatusNotImplemented},
		{"port zero", &fakeInjector{}, `{"port":0,"payload_hex":"00"}`, http.StatusBadRequest},
		{"port too high", &fakeInjector{}, `{"port":225,"payload_hex":"00"}`, http.StatusBadRequest},
		{"bad hex", &fakeInjector{}, `{"port":2,"payload_hex":"zz"}`, http.StatusBadRequest},
		{"not joined", &fakeInjector{err: mac.NwkNotJoined}, `{"port":2,"payload_hex":"00"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []ServerOption
			if tt.inj != nil {
				opts = append(opts, WithDownlinkInjector(tt.inj))
			}
			env := newTestEnv(t, opts...)
			w := env.do(http.MethodPost, "/api/downlink", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body)
			}
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, WithAPIKey("secret"))

	if w := env.do(http.MethodGet, "/api/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/status", "", "X-API-Key", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/status", "", "X-API-Key", "secret"); w.Code != http.StatusOK {
		t.Errorf("right key: status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, WithAllowedOrigins([]string{"http://dash.local"}))

	w := env.do(http.MethodOptions, "/api/input", "",
		"Origin", "http://dash.local",
		"Access-Control-Request-Method", "POST")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("allow origin = %q", got)
	}

	w = env.do(http.MethodOptions, "/api/input", "",
		"Origin", "http://evil.example",
		"Access-Control-Request-Method", "POST")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got allow header %q", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/api/devices", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAutomationsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/api/automations", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
