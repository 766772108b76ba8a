package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/internal/billing"
	"github.com/MrWong99/speakwell/internal/config"
	"github.com/MrWong99/speakwell/internal/grading"
	gmock "github.com/MrWong99/speakwell/internal/grading/mock"
	"github.com/MrWong99/speakwell/internal/httpapi"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/results"
	"github.com/MrWong99/speakwell/pkg/types"
	"github.com/MrWong99/speakwell/pkg/voice"
	"github.com/MrWong99/speakwell/pkg/voice/mock"
)

const user = "user-7"

type env struct {
	handler  http.Handler
	sessions *app.SessionManager
	provider *mock.Provider
	results  *results.MemStore
}

func newEnv(t *testing.T, origins ...string) *env {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	ledger := billing.NewMemoryLedger()
	ledger.Credit(user, 60)

	e := &env{
		provider: &mock.Provider{},
		results:  results.NewMemStore(),
	}
	e.sessions = app.NewSessionManager(app.SessionManagerConfig{
		Config: cfg,
		Deps: app.Deps{
			Provider: e.provider,
			Analyzer: &gmock.Analyzer{},
			Results:  e.results,
			Store:    kvstore.NewMemStore(),
			Deducter: ledger,
		},
	})
	t.Cleanup(func() { _ = e.sessions.Shutdown(context.Background()) })

	srv, err := httpapi.New(httpapi.Config{
		Runtimes:       e.sessions,
		Results:        e.results,
		AllowedOrigins: origins,
		Version:        "test",
	})
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	e.handler = srv.Handler()
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type sessionBody struct {
	Session struct {
		Status string `json:"status"`
		Muted  bool   `json:"muted"`
	} `json:"session"`
	Mode        string `json:"mode"`
	Topic       string `json:"topic"`
	Page        string `json:"page"`
	Microphone  string `json:"microphone"`
	Bridged     bool   `json:"bridged"`
	Pending     *struct{ Kind, Path string } `json:"pendingNavigation"`
	Notices     []struct{ Kind, Title string } `json:"notices"`
	Navigations []struct{ Kind, Path string } `json:"navigations"`
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func (e *env) grant(t *testing.T) {
	t.Helper()
	rec := e.do(t, "POST", "/v1/users/"+user+"/permissions/microphone", map[string]string{"state": "granted"})
	wantStatus(t, rec, http.StatusOK)
}

func (e *env) start(t *testing.T) {
	t.Helper()
	e.grant(t)
	rec := e.do(t, "POST", "/v1/users/"+user+"/sessions", map[string]string{"mode": "part1", "topic": "Food"})
	wantStatus(t, rec, http.StatusCreated)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func TestStartSession(t *testing.T) {
	e := newEnv(t)
	e.grant(t)

	rec := e.do(t, "POST", "/v1/users/"+user+"/sessions", map[string]string{"mode": "part1", "topic": "Food"})
	wantStatus(t, rec, http.StatusCreated)
	body := decodeInto[sessionBody](t, rec)
	if body.Session.Status != "active" || body.Mode != "part1" || body.Topic != "Food" {
		t.Errorf("body = %+v", body)
	}
	if body.Microphone != "granted" {
		t.Errorf("microphone = %q", body.Microphone)
	}

	rec = e.do(t, "POST", "/v1/users/"+user+"/sessions", map[string]string{"mode": "part2"})
	wantStatus(t, rec, http.StatusConflict)
}

func TestStartSession_Errors(t *testing.T) {
	tests := []struct {
		name       string
		permission string
		body       string
		want       int
		wantCode   string
	}{
		{name: "no microphone", body: `{"mode":"part1"}`, want: http.StatusPreconditionFailed, wantCode: "microphone_unavailable"},
		{name: "denied", permission: "denied", body: `{"mode":"part1"}`, want: http.StatusForbidden, wantCode: "microphone_denied"},
		{name: "bad mode", permission: "granted", body: `{"mode":"part9"}`, want: http.StatusBadRequest, wantCode: "bad_request"},
		{name: "unknown field", permission: "granted", body: `{"moed":"part1"}`, want: http.StatusBadRequest, wantCode: "bad_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			if tc.permission != "" {
				wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/permissions/microphone",
					map[string]string{"state": tc.permission}), http.StatusOK)
			}
			req := httptest.NewRequest("POST", "/v1/users/"+user+"/sessions", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			e.handler.ServeHTTP(rec, req)
			wantStatus(t, rec, tc.want)
			if got := decodeInto[struct{ Code string }](t, rec).Code; got != tc.wantCode {
				t.Errorf("code = %q, want %q", got, tc.wantCode)
			}
			if len(e.provider.Created) != 0 {
				t.Error("a vendor call was started")
			}
		})
	}
}

func TestStopSession(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	rec := e.do(t, "DELETE", "/v1/users/"+user+"/sessions/current", nil)
	wantStatus(t, rec, http.StatusOK)
	if got := decodeInto[sessionBody](t, rec).Session.Status; got != "finished" {
		t.Errorf("status after stop = %q", got)
	}
	if e.provider.Last().Stops() == 0 {
		t.Error("vendor call not stopped")
	}
}

func TestFinalize(t *testing.T) {
	e := newEnv(t)

	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/sessions/current/finalize", nil), http.StatusNotFound)

	e.start(t)
	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/sessions/current/finalize", nil), http.StatusConflict)
}

func TestSetVolume(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/volume", map[string]any{}), http.StatusBadRequest)
	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/volume", map[string]any{"level": 0}), http.StatusNoContent)
	if !e.provider.Last().Muted() {
		t.Error("volume 0 did not mute the call")
	}
}

func TestReportPermission_Unknown(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/v1/users/"+user+"/permissions/microphone", map[string]string{"state": "maybe"})
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestUnload(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/unload", nil), http.StatusNoContent)
	rt, _ := e.sessions.Lookup(user)
	if rt.Live() {
		t.Error("call still live after unload")
	}
	if snap := rt.Controller.Snapshot(); snap.RunID == "" {
		t.Error("unload discarded the test")
	}
}

func TestStartSession_UnfinishedTest(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	rt, _ := e.sessions.Lookup(user)

	call := e.provider.Last()
	for i := range 4 {
		role := types.RoleExaminer
		if i%2 == 1 {
			role = types.RoleUser
		}
		call.Emit(voice.Event{
			Type:    voice.EventMessage,
			Message: &voice.TranscriptFragment{Role: role, Text: "line", Final: true},
		})
	}
	waitFor(t, "transcript", func() bool { return len(rt.Controller.Transcript()) == 4 })
	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/unload", nil), http.StatusNoContent)

	rec := e.do(t, "POST", "/v1/users/"+user+"/sessions", map[string]string{"mode": "part2"})
	wantStatus(t, rec, http.StatusConflict)
	if got := decodeInto[struct{ Code string }](t, rec).Code; got != "unfinished_test" {
		t.Errorf("code = %q, want unfinished_test", got)
	}
	if len(rt.Controller.Transcript()) != 4 {
		t.Error("refused start dropped the transcript")
	}

	wantStatus(t, e.do(t, "DELETE", "/v1/users/"+user+"/sessions/current", nil), http.StatusOK)
	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/sessions", map[string]string{"mode": "part2"}), http.StatusCreated)
}

// ── Navigation ───────────────────────────────────────────────────────────────

func TestNavigation_HeldThenConfirmed(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	base := "/v1/users/" + user

	rec := e.do(t, "POST", base+"/navigation", map[string]string{"kind": "push", "path": "/dashboard"})
	wantStatus(t, rec, http.StatusOK)
	nav := decodeInto[struct {
		Outcome string
		Pending *struct{ Kind, Path string } `json:"pendingNavigation"`
	}](t, rec)
	if nav.Outcome != "held" || nav.Pending == nil || nav.Pending.Path != "/dashboard" {
		t.Fatalf("navigate response = %+v", nav)
	}

	cur := decodeInto[sessionBody](t, e.do(t, "GET", base+"/sessions/current", nil))
	if cur.Pending == nil {
		t.Errorf("no pending navigation in %+v", cur)
	}
	var prompted bool
	for _, n := range cur.Notices {
		prompted = prompted || n.Kind == "confirm_navigation"
	}
	if !prompted {
		t.Errorf("notices = %+v, want a confirmation prompt", cur.Notices)
	}

	rec = e.do(t, "POST", base+"/navigation/confirm", nil)
	wantStatus(t, rec, http.StatusOK)

	cur = decodeInto[sessionBody](t, e.do(t, "GET", base+"/sessions/current", nil))
	if cur.Session.Status != "finished" {
		t.Errorf("status after confirm = %q", cur.Session.Status)
	}
	if len(cur.Navigations) != 1 || cur.Navigations[0].Path != "/dashboard" {
		t.Errorf("navigations = %+v", cur.Navigations)
	}
	if cur.Page != "/dashboard" {
		t.Errorf("page = %q", cur.Page)
	}
}

func TestNavigation_Cancel(t *testing.T) {
	e := newEnv(t)
	base := "/v1/users/" + user

	wantStatus(t, e.do(t, "POST", base+"/navigation/cancel", nil), http.StatusConflict)
	wantStatus(t, e.do(t, "POST", base+"/navigation/confirm", nil), http.StatusConflict)

	e.start(t)
	link := map[string]any{"kind": "link", "element": map[string]any{
		"tag": "span", "parent": map[string]any{"tag": "a", "href": "/pricing"},
	}}
	rec := e.do(t, "POST", base+"/navigation", link)
	wantStatus(t, rec, http.StatusOK)
	if got := decodeInto[struct{ Outcome string }](t, rec).Outcome; got != "held" {
		t.Fatalf("link outcome = %q", got)
	}
	wantStatus(t, e.do(t, "POST", base+"/navigation/cancel", nil), http.StatusNoContent)

	rt, _ := e.sessions.Lookup(user)
	if !rt.Live() {
		t.Error("cancel ended the session")
	}
}

func TestNavigation_Validation(t *testing.T) {
	e := newEnv(t)
	base := "/v1/users/" + user + "/navigation"
	wantStatus(t, e.do(t, "POST", base, map[string]string{"kind": "teleport"}), http.StatusBadRequest)
	wantStatus(t, e.do(t, "POST", base, map[string]string{"kind": "link"}), http.StatusBadRequest)
}

func TestNavigation_Unload(t *testing.T) {
	e := newEnv(t)
	base := "/v1/users/" + user + "/navigation"

	rec := e.do(t, "POST", base, map[string]string{"kind": "unload"})
	if decodeInto[struct{ Prompt bool }](t, rec).Prompt {
		t.Error("prompt without a live session")
	}
	e.start(t)
	rec = e.do(t, "POST", base, map[string]string{"kind": "unload"})
	if !decodeInto[struct{ Prompt bool }](t, rec).Prompt {
		t.Error("no prompt during a live session")
	}
}

// ── Results ──────────────────────────────────────────────────────────────────

func TestResults(t *testing.T) {
	e := newEnv(t)
	id, err := e.results.Save(context.Background(), results.Record{
		UserID:   user,
		Mode:     grading.ModePart1,
		Band:     7,
		Messages: types.Transcript{{Role: types.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, "GET", "/v1/users/"+user+"/results", nil)
	wantStatus(t, rec, http.StatusOK)
	if list := decodeInto[[]results.Record](t, rec); len(list) != 1 || list[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	wantStatus(t, e.do(t, "GET", "/v1/users/"+user+"/results/"+id, nil), http.StatusOK)
	wantStatus(t, e.do(t, "GET", "/v1/users/someone-else/results/"+id, nil), http.StatusNotFound)
	wantStatus(t, e.do(t, "GET", "/v1/users/"+user+"/results?limit=zero", nil), http.StatusBadRequest)
}

// ── Infrastructure ───────────────────────────────────────────────────────────

func TestProbesAndMetrics(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			wantStatus(t, e.do(t, "GET", path, nil), http.StatusOK)
		})
	}
}

func TestCORS(t *testing.T) {
	e := newEnv(t, "https://app.example.com")

	req := httptest.NewRequest("OPTIONS", "/v1/users/"+user+"/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	wantStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

// ── Audio bridge ─────────────────────────────────────────────────────────────

func TestAudioBridge(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/users/" + user + "/audio"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	waitFor(t, "bridge attached", func() bool {
		rt, ok := e.sessions.Lookup(user)
		return ok && rt.Bridged()
	})

	// The open bridge counts as a working microphone.
	req := httptest.NewRequest("POST", "/v1/users/"+user+"/sessions", strings.NewReader(`{"mode":"part3"}`))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	wantStatus(t, rec, http.StatusCreated)
	call := e.provider.Last()

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "microphone frame", func() bool { return len(call.ReceivedAudio()) == 1 })

	call.EmitAudio([]byte{9, 8, 7})
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary || !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Errorf("examiner frame = %v %v", typ, data)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "bridge detached", func() bool {
		rt, _ := e.sessions.Lookup(user)
		return !rt.Bridged()
	})
}

func TestAudioBridge_OnePerUser(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/users/" + user + "/audio"
	first, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.CloseNow()
	waitFor(t, "bridge attached", func() bool {
		rt, ok := e.sessions.Lookup(user)
		return ok && rt.Bridged()
	})

	second, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		second.CloseNow()
		t.Fatal("second bridge was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("second dial response = %v, err = %v; want 409", resp, err)
	}

	// The refused bridge leaves the first one attached and working.
	wantStatus(t, e.do(t, "POST", "/v1/users/"+user+"/sessions", map[string]string{"mode": "part3"}), http.StatusCreated)
	call := e.provider.Last()
	call.EmitAudio([]byte{4, 5, 6})
	if _, data, err := first.Read(ctx); err != nil || !bytes.Equal(data, []byte{4, 5, 6}) {
		t.Fatalf("first bridge read = %v, %v", data, err)
	}

	first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "bridge detached", func() bool {
		rt, _ := e.sessions.Lookup(user)
		return !rt.Bridged()
	})
	again, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial after detach: %v", err)
	}
	again.CloseNow()
}
