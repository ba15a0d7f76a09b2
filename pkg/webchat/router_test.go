package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/forge/pkg/auth"
	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
	"github.com/go-go-golems/forge/pkg/redisstream"
)

const counterResponse = "## Plan\nA counter.\n\n## Building\n[TOOL:create_component] Counter\n\n## Code\n```jsx\n" +
	"export default function App() {\n  const [n] = React.useState(3);\n  return <button className=\"p-2\">Count {n}</button>;\n}\n" +
	"```\n\n## Summary\nA button that counts.\n"

type testEnv struct {
	srv    *httptest.Server
	router *Router
	store  *chatstore.SQLiteStore
}

func newTestEnv(t *testing.T, backend generation.Backend) *testEnv {
	t.Helper()
	dsn, err := chatstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	store, err := chatstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer("test-secret", false)
	require.NoError(t, err)
	bus := redisstream.NewInMemoryBus()

	r, err := NewRouter(context.Background(), Config{
		Backend:         backend,
		Store:           store,
		Issuer:          issuer,
		Bus:             bus,
		PreviewFallback: time.Second,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		r.Close()
		_ = bus.Close()
		_ = store.Close()
	})
	return &testEnv{srv: srv, router: r, store: store}
}

func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func doJSON(t *testing.T, c *http.Client, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func signup(t *testing.T, e *testEnv, c *http.Client, email string) int64 {
	t.Helper()
	status, body := doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/signup", map[string]string{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, status, body)
	return int64(body["user"].(map[string]any)["id"].(float64))
}

func TestModelsRoute(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{})
	status, body := doJSON(t, e.client(t), http.MethodGet, e.srv.URL+"/api/models", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, models.DefaultID, body["defaultModelId"])
	require.Len(t, body["models"], len(models.All()))
	first := body["models"].([]any)[0].(map[string]any)
	require.NotContains(t, first, "ProviderModel")
}

func TestAuthFlow(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{})
	c := e.client(t)

	status, body := doJSON(t, c, http.MethodGet, e.srv.URL+"/api/auth/me", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "Not authenticated", body["error"])

	status, body = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/signup", map[string]string{"email": "bad", "password": "password123"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Please enter a valid email address", body["error"])

	status, _ = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/signup", map[string]string{"email": "a@b.io", "password": "short"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/signup", map[string]string{"email": "a@b.io"})
	require.Equal(t, http.StatusBadRequest, status)

	id := signup(t, e, c, "Ada@Example.com")

	status, body = doJSON(t, c, http.MethodGet, e.srv.URL+"/api/auth/me", nil)
	require.Equal(t, http.StatusOK, status)
	user := body["user"].(map[string]any)
	require.Equal(t, float64(id), user["id"])
	require.Equal(t, "ada@example.com", user["email"])

	status, body = doJSON(t, e.client(t), http.MethodPost, e.srv.URL+"/api/auth/signup", map[string]string{"email": "ada@example.com", "password": "password123"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "User with this email already exists", body["error"])

	status, _ = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, c, http.MethodGet, e.srv.URL+"/api/auth/me", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/login", map[string]string{"email": "ada@example.com", "password": "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "Invalid email or password", body["error"])

	status, _ = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/auth/login", map[string]string{"email": "ADA@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, c, http.MethodGet, e.srv.URL+"/api/auth/me", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestChatRoutesScopeByOwner(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{})
	owner, other := e.client(t), e.client(t)
	signup(t, e, owner, "owner@example.com")
	signup(t, e, other, "other@example.com")

	status, _ := doJSON(t, e.client(t), http.MethodGet, e.srv.URL+"/api/chats", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body := doJSON(t, owner, http.MethodPost, e.srv.URL+"/api/chats", map[string]string{"modelId": "claude-sonnet-4-5"})
	require.Equal(t, http.StatusOK, status)
	chat := body["chat"].(map[string]any)
	require.Equal(t, chatstore.DefaultChatTitle, chat["title"])
	chatURL := fmt.Sprintf("%s/api/chats/%d", e.srv.URL, int64(chat["id"].(float64)))

	status, body = doJSON(t, owner, http.MethodPost, chatURL+"/messages", map[string]string{"role": "user", "content": "hello"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "hello", body["message"].(map[string]any)["content"])
	status, _ = doJSON(t, owner, http.MethodPost, chatURL+"/messages", map[string]string{"role": "system", "content": "x"})
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = doJSON(t, owner, http.MethodPost, chatURL+"/messages", map[string]string{"role": "user"})
	require.Equal(t, http.StatusBadRequest, status)

	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodDelete} {
		status, body = doJSON(t, other, method, chatURL, map[string]string{"title": "stolen"})
		require.Equal(t, http.StatusNotFound, status, method)
		require.Equal(t, "Chat not found", body["error"])
	}
	status, _ = doJSON(t, other, http.MethodPost, chatURL+"/messages", map[string]string{"role": "user", "content": "hi"})
	require.Equal(t, http.StatusNotFound, status)
	status, body = doJSON(t, other, http.MethodGet, e.srv.URL+"/api/chats", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["chats"])

	status, _ = doJSON(t, owner, http.MethodGet, e.srv.URL+"/api/chats/abc", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, owner, http.MethodPatch, chatURL, map[string]string{"title": "Counter"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Counter", body["chat"].(map[string]any)["title"])

	status, body = doJSON(t, owner, http.MethodGet, chatURL, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Counter", body["chat"].(map[string]any)["title"])
	require.Len(t, body["messages"], 1)

	status, _ = doJSON(t, owner, http.MethodDelete, chatURL, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, owner, http.MethodGet, chatURL, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func dialSession(t *testing.T, e *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type testFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Seq       uint64         `json:"seq"`
	Data      map[string]any `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f testFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil collects frames until one satisfies stop.
func readUntil(t *testing.T, conn *websocket.Conn, stop func(testFrame) bool) []testFrame {
	t.Helper()
	var frames []testFrame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if stop(f) {
			return frames
		}
	}
}

func TestWebSocketHelloAndPong(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{})
	conn := dialSession(t, e, "ws-1")

	hello := readFrame(t, conn)
	require.Equal(t, FrameHello, hello.Type)
	require.Equal(t, "ws-1", hello.SessionID)
	require.Equal(t, "idle", hello.Data["state"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	frames := readUntil(t, conn, func(f testFrame) bool { return f.Type == FramePong })
	require.Equal(t, FramePong, frames[len(frames)-1].Type)

	resp, err := http.Get(e.srv.URL + "/ws?session_id=bad%20id")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuilderSubmitStreamsFrames(t *testing.T) {
	chunks := strings.SplitAfter(counterResponse, "\n")
	backend := &generation.ScriptedBackend{Chunks: chunks}
	e := newTestEnv(t, backend)
	conn := dialSession(t, e, "build-1")
	require.Equal(t, FrameHello, readFrame(t, conn).Type)

	c := e.client(t)
	status, body := doJSON(t, c, http.MethodPost, e.srv.URL+"/api/builder/build-1/submit", map[string]any{"text": "a counter", "modelId": "claude-sonnet-4-5"})
	require.Equal(t, http.StatusAccepted, status, body)
	require.Equal(t, "claude-sonnet-4-5", body["modelId"])

	var (
		states    []string
		replace   *testFrame
		settled   *testFrame
		finalView map[string]any
		lastSeq   uint64
	)
	readUntil(t, conn, func(f testFrame) bool {
		require.Greater(t, f.Seq, lastSeq, "frames arrive in order")
		lastSeq = f.Seq
		switch f.Type {
		case FrameSessionState:
			states = append(states, f.Data["state"].(string))
		case FramePreviewReplace:
			replace = &f
		case FramePreviewLoaded, FramePreviewError:
			if replace != nil && f.Data["instanceId"] == replace.Data["instanceId"] {
				settled = &f
			}
		case FrameSessionUpdate:
			if final, _ := f.Data["final"].(bool); final {
				finalView = f.Data["view"].(map[string]any)
			}
		}
		return settled != nil && finalView != nil
	})
	require.NotNil(t, replace)
	require.Equal(t, FramePreviewLoaded, settled.Type)
	require.True(t, finalView["structured"].(bool))
	require.Equal(t, "A counter.", finalView["plan"])
	require.Contains(t, states, "submitted")
	require.Contains(t, states, "streaming")

	require.Eventually(t, func() bool {
		b, ok := e.router.Sessions().Get("build-1")
		return ok && !b.Running()
	}, 5*time.Second, 10*time.Millisecond)

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "claude-sonnet-4-5", reqs[0].ModelID)

	status, snap := doJSON(t, c, http.MethodGet, e.srv.URL+"/api/builder/build-1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "settled", snap["state"])
	require.Contains(t, snap["code"], "Count {n}")
	require.Len(t, snap["turns"], 2)
	previewSnap := snap["preview"].(map[string]any)
	require.Equal(t, replace.Data["instanceId"], previewSnap["instanceId"])

	resp, err := http.Get(e.srv.URL + replace.Data["url"].(string))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sandbox allow-scripts", resp.Header.Get("Content-Security-Policy"))
	html, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(html), "Count ")
	require.Contains(t, string(html), "React.createElement")
}

func TestBuilderSubmitBusyAndDuplicate(t *testing.T) {
	chunks := strings.SplitAfter(counterResponse, "\n")
	e := newTestEnv(t, &generation.ScriptedBackend{Chunks: chunks, Delay: 50 * time.Millisecond})
	c := e.client(t)
	url := e.srv.URL + "/api/builder/busy-1/submit"

	status, _ := doJSON(t, c, http.MethodPost, url, map[string]any{"text": "first", "initial": true})
	require.Equal(t, http.StatusAccepted, status)

	status, body := doJSON(t, c, http.MethodPost, url, map[string]any{"text": "second"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "A response is still streaming", body["error"])

	// The initial prompt is claimed once the exchange goroutine starts.
	require.Eventually(t, func() bool {
		status, body := doJSON(t, c, http.MethodPost, url, map[string]any{"text": "first", "initial": true})
		return status == http.StatusOK && body["status"] == "duplicate"
	}, 5*time.Second, 10*time.Millisecond)

	status, _ = doJSON(t, c, http.MethodPost, url, map[string]any{"text": "   "})
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = doJSON(t, c, http.MethodPost, e.srv.URL+"/api/builder/bad$id/submit", map[string]any{"text": "x"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestBuilderTransportFailureReportsError(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{OpenErr: fmt.Errorf("provider down")})
	conn := dialSession(t, e, "fail-1")
	require.Equal(t, FrameHello, readFrame(t, conn).Type)

	status, _ := doJSON(t, e.client(t), http.MethodPost, e.srv.URL+"/api/builder/fail-1/submit", map[string]any{"text": "hi"})
	require.Equal(t, http.StatusAccepted, status)

	frames := readUntil(t, conn, func(f testFrame) bool { return f.Type == FrameSessionError })
	require.Equal(t, "Failed to generate response", frames[len(frames)-1].Data["message"])
	require.NotContains(t, frames[len(frames)-1].Data["message"], "provider down")

	b, ok := e.router.Sessions().Get("fail-1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return !b.Running() }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, b.Session().Transcript().Len())
}

func TestBuilderPersistsToChat(t *testing.T) {
	chunks := strings.SplitAfter(counterResponse, "\n")
	e := newTestEnv(t, &generation.ScriptedBackend{Chunks: chunks})
	owner, other := e.client(t), e.client(t)
	signup(t, e, owner, "owner@example.com")
	signup(t, e, other, "other@example.com")

	_, body := doJSON(t, owner, http.MethodPost, e.srv.URL+"/api/chats", map[string]string{"title": "Counter"})
	chatID := int64(body["chat"].(map[string]any)["id"].(float64))

	status, _ := doJSON(t, other, http.MethodPost, e.srv.URL+"/api/builder/p-1/submit", map[string]any{"text": "a counter", "chatId": chatID})
	require.Equal(t, http.StatusNotFound, status)
	status, _ = doJSON(t, e.client(t), http.MethodPost, e.srv.URL+"/api/builder/p-1/submit", map[string]any{"text": "a counter", "chatId": chatID})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, owner, http.MethodPost, e.srv.URL+"/api/builder/p-1/submit", map[string]any{"text": "a counter", "chatId": chatID})
	require.Equal(t, http.StatusAccepted, status)

	chatURL := fmt.Sprintf("%s/api/chats/%d", e.srv.URL, chatID)
	require.Eventually(t, func() bool {
		_, body := doJSON(t, owner, http.MethodGet, chatURL, nil)
		msgs, _ := body["messages"].([]any)
		return len(msgs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, body = doJSON(t, owner, http.MethodGet, chatURL, nil)
	msgs := body["messages"].([]any)
	require.Equal(t, "user", msgs[0].(map[string]any)["role"])
	require.Equal(t, "a counter", msgs[0].(map[string]any)["content"])
	require.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	require.Equal(t, counterResponse, msgs[1].(map[string]any)["content"])

	// A new session bound to the same chat restores the stored exchange.
	b, err := e.router.Sessions().GetOrCreate("p-2")
	require.NoError(t, err)
	stored, err := e.store.ListMessages(context.Background(), 1, chatID)
	require.NoError(t, err)
	require.NoError(t, b.BindChat(chatID, stored))
	require.Equal(t, 2, b.Session().Transcript().Len())
	require.Contains(t, b.Session().Code(), "Count {n}")
	require.ErrorIs(t, b.BindChat(chatID+1, nil), ErrChatMismatch)
}

func TestGenerationRouteIsMounted(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{Chunks: []string{"## Plan\n", "hi\n"}})
	body := generation.ChatRequestBody{Messages: []generation.WireMessage{{ID: "1", Role: "user", Parts: []generation.WirePart{{Type: "text", Text: "hello"}}}}}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+generation.ChatPath, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "## Plan\nhi\n", string(data))
}

func TestStaticUIAndPreviewRoute(t *testing.T) {
	e := newTestEnv(t, &generation.ScriptedBackend{})

	resp, err := http.Get(e.srv.URL + "/")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), `sandbox="allow-scripts"`)

	resp, err = http.Get(e.srv.URL + "/app.js")
	require.NoError(t, err)
	data, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	script := string(data)
	require.Contains(t, script, "PREVIEW_FALLBACK_MS = 1000")
	require.Contains(t, script, "setTimeout(")
	for _, frame := range []string{FramePreviewReplace, FramePreviewLoaded, FramePreviewError, FramePreviewSettled} {
		require.Contains(t, script, "case '"+frame+"'", frame)
	}
	require.Contains(t, script, "snap.views")

	resp, err = http.Get(e.srv.URL + "/preview/fresh-1")
	require.NoError(t, err)
	data, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(data), "react-dom@18")

	resp, err = http.Post(e.srv.URL+"/api/models", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
