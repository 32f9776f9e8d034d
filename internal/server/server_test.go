package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/agent"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeSessions is an in-memory SessionService.
type fakeSessions struct {
	mu        sync.Mutex
	sessions  map[string]agent.SessionInfo
	startErr  error
	goals     []string
	cancelled []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]agent.SessionInfo)}
}

func (f *fakeSessions) Start(ctx context.Context, goal string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if strings.TrimSpace(goal) == "" {
		return "", agent.ErrEmptyGoal
	}
	f.goals = append(f.goals, goal)
	id := "s" + strconv.Itoa(len(f.goals))
	f.sessions[id] = agent.SessionInfo{ID: id, Goal: goal, State: schemas.StateObserving, Status: schemas.StatusRunning}
	return id, nil
}

func (f *fakeSessions) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return agent.ErrSessionNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSessions) Describe(id string) (agent.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sessions[id]
	if !ok {
		return agent.SessionInfo{}, agent.ErrSessionNotFound
	}
	return info, nil
}

func (f *fakeSessions) List() []agent.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.SessionInfo, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out
}

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	bus      *eventbus.Bus
	sessions *fakeSessions
	metrics  *observability.Metrics
}

func setup(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics()
	bus := eventbus.New(logger, metrics, 64)
	sessions := newFakeSessions()
	srv := New(cfg, logger, sessions, bus, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	// Runs before ts.Close so open feeds return.
	t.Cleanup(bus.Shutdown)
	return &fixture{srv: srv, ts: ts, bus: bus, sessions: sessions, metrics: metrics}
}

func (f *fixture) waitForSubscribers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == n }, 2*time.Second, time.Millisecond)
}

func decode(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestStartSession(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	t.Run("accepted", func(t *testing.T) {
		resp := do(t, http.MethodPost, f.ts.URL+"/api/sessions", `{"goal": "find the docs"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "/api/sessions/s1", resp.Header.Get("Location"))
		body := decode(t, resp)
		assert.Equal(t, "accepted", body.Status)
		assert.Equal(t, map[string]interface{}{"session_id": "s1"}, body.Data)
	})

	t.Run("command alias", func(t *testing.T) {
		resp := do(t, http.MethodPost, f.ts.URL+"/api/sessions", `{"command": "open example.com"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
		f.sessions.mu.Lock()
		defer f.sessions.mu.Unlock()
		assert.Equal(t, "open example.com", f.sessions.goals[len(f.sessions.goals)-1])
	})

	t.Run("empty goal", func(t *testing.T) {
		resp := do(t, http.MethodPost, f.ts.URL+"/api/sessions", `{"goal": "  "}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, "error", body.Status)
		assert.Equal(t, agent.ErrEmptyGoal.Error(), body.Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := do(t, http.MethodPost, f.ts.URL+"/api/sessions", `{"goal":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decode(t, resp).Error, "Invalid request body")
	})
}

func TestStartSession_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{agent.ErrTooManySessions, http.StatusTooManyRequests},
		{agent.ErrManagerClosed, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := setup(t, config.ServerConfig{})
			f.sessions.startErr = tt.err
			resp := do(t, http.MethodPost, f.ts.URL+"/api/sessions", `{"goal": "x"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestSessionLookupAndCancel(t *testing.T) {
	f := setup(t, config.ServerConfig{})
	id, err := f.sessions.Start(context.Background(), "find the docs")
	require.NoError(t, err)

	resp := do(t, http.MethodGet, f.ts.URL+"/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decode(t, resp).Data.(map[string]interface{})
	assert.Equal(t, id, data["id"])
	assert.Equal(t, "OBSERVING", data["state"])
	assert.Equal(t, "running", data["status"])

	resp = do(t, http.MethodGet, f.ts.URL+"/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/sessions/"+id, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{id}, f.sessions.cancelled)

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, f.ts.URL+"/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode(t, resp).Data.(map[string]interface{})
	assert.EqualValues(t, 1, list["count"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t, config.ServerConfig{})
	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventThinking})

	resp := do(t, http.MethodGet, f.ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, f.ts.URL+"/metrics", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, err := bufio.NewReader(resp.Body).WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "browserpilot_events_published_total 1")
}

func TestCORS(t *testing.T) {
	f := setup(t, config.ServerConfig{AllowedOrigins: []string{"http://ui.test"}})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://ui.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

// readSSE collects frames until the stream ends.
func readSSE(t *testing.T, resp *http.Response) []map[string]string {
	t.Helper()
	var frames []map[string]string
	frame := map[string]string{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(frame) > 0 {
				frames = append(frames, frame)
				frame = map[string]string{}
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		frame[k] = v
	}
	return frames
}

func TestSSE_SessionFeedEndsAtTerminalEvent(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	resp, err := http.Get(f.ts.URL + "/api/events?session=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	f.waitForSubscribers(t, 1)

	f.bus.Publish(schemas.AgentEvent{SessionID: "s2", Type: schemas.EventThinking})
	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventStateChanged, State: schemas.StateObserving})
	done := f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventCompleted, Message: "done"})
	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventThinking})

	frames := readSSE(t, resp)
	require.Len(t, frames, 2)
	assert.Equal(t, "state_changed", frames[0]["event"])
	assert.Equal(t, "completed", frames[1]["event"])
	assert.Equal(t, strconv.FormatUint(done.Seq, 10), frames[1]["id"])

	var ev schemas.AgentEvent
	require.NoError(t, json.Unmarshal([]byte(frames[1]["data"]), &ev))
	assert.Equal(t, "done", ev.Message)
	assert.Equal(t, "s1", ev.SessionID)

	f.waitForSubscribers(t, 0)
}

func TestSSE_TypeFilter(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	resp, err := http.Get(f.ts.URL + "/api/events?types=nonsense")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/api/events?session=s1&types=step_executed,error")
	require.NoError(t, err)
	defer resp.Body.Close()
	f.waitForSubscribers(t, 1)

	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventThinking})
	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventStepExecuted, Iteration: 1})
	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventError, Message: "boom"})

	frames := readSSE(t, resp)
	require.Len(t, frames, 2)
	assert.Equal(t, "step_executed", frames[0]["event"])
	assert.Equal(t, "error", frames[1]["event"])
}

func TestSSE_EndsWhenBusShutsDown(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	resp, err := http.Get(f.ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	f.waitForSubscribers(t, 1)

	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventCompleted})
	f.bus.Shutdown()

	frames := readSSE(t, resp)
	require.Len(t, frames, 1, "an unscoped feed survives terminal events")
	assert.Equal(t, "completed", frames[0]["event"])
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWebSocket_StreamsSessionEvents(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws?session=s1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	f.waitForSubscribers(t, 1)

	f.bus.Publish(schemas.AgentEvent{SessionID: "s2", Type: schemas.EventThinking})
	planned := f.bus.Publish(schemas.AgentEvent{
		SessionID: "s1",
		Type:      schemas.EventStepPlanned,
		Step:      &schemas.Step{Kind: schemas.StepClick, Selector: schemas.SelectorForID("e1")},
	})
	f.bus.Publish(schemas.AgentEvent{SessionID: "s1", Type: schemas.EventCancelled})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first schemas.AgentEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, planned.Seq, first.Seq)
	require.NotNil(t, first.Step)
	assert.Equal(t, schemas.StepClick, first.Step.Kind)

	var second schemas.AgentEvent
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, schemas.EventCancelled, second.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	f.waitForSubscribers(t, 0)
}

func TestWebSocket_ClientDisconnectReleasesSubscription(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws"), nil)
	require.NoError(t, err)
	f.waitForSubscribers(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()
	f.waitForSubscribers(t, 0)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := setup(t, config.ServerConfig{})

	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.bus.SubscriberCount())
}

func TestListen_FallsBackToNextPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	ln, err := Listen(context.Background(), taken.Addr().String(), 9)
	require.NoError(t, err)
	defer ln.Close()
	got := ln.Addr().(*net.TCPAddr).Port
	assert.Greater(t, got, port)
	assert.LessOrEqual(t, got, port+9)

	_, err = Listen(context.Background(), taken.Addr().String(), 0)
	assert.ErrorContains(t, err, "tried 1 ports")

	_, err = Listen(context.Background(), "no-port", 3)
	assert.ErrorContains(t, err, "invalid listen address")
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := eventbus.New(logger, nil, 8)
	defer bus.Shutdown()
	srv := New(config.ServerConfig{Listen: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second}, logger, newFakeSessions(), bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, func(a net.Addr) { addrCh <- a }) }()

	addr := <-addrCh
	base := "http://" + addr.String()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Metrics are not served without a registry.
	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// An open feed does not hold up shutdown.
	feed, err := http.Get(base + "/api/events")
	require.NoError(t, err)
	defer feed.Body.Close()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	http.DefaultClient.CloseIdleConnections()
}
