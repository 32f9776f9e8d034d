package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/actuator"
	"github.com/xkilldash9x/browserpilot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type ctxKey string

func TestCombineContext(t *testing.T) {
	t.Run("keeps primary values", func(t *testing.T) {
		primary := context.WithValue(context.Background(), ctxKey("tab"), "t1")
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()
		assert.Equal(t, "t1", combined.Value(ctxKey("tab")))
	})

	t.Run("canceled by secondary", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), secondary)
		defer cancel()

		cancelSecondary()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not canceled by secondary")
		}
	})

	t.Run("canceled by primary", func(t *testing.T) {
		primary, cancelPrimary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		cancelPrimary()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("cancel func releases both", func(t *testing.T) {
		combined, cancel := CombineContext(context.Background(), context.Background())
		cancel()
		assert.Error(t, combined.Err())
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), ctxKey("k"), "v"), time.Millisecond)
	defer cancel()
	detached := Detach(parent)
	<-parent.Done()

	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)
	assert.Equal(t, "v", detached.Value(ctxKey("k")))
}

func TestProbeDebugger(t *testing.T) {
	ctx := context.Background()

	t.Run("reads websocket endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/json/version", r.URL.Path)
			_, _ = fmt.Fprint(w, `{"Browser": "Chrome/131.0", "webSocketDebuggerUrl": "ws://127.0.0.1:9222/devtools/browser/abc"}`)
		}))
		defer server.Close()

		ws, err := probeDebugger(ctx, server.URL+"/", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", ws)
	})

	t.Run("websocket url used as is", func(t *testing.T) {
		ws, err := probeDebugger(ctx, "ws://localhost:9222/devtools/browser/x", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ws://localhost:9222/devtools/browser/x", ws)
	})

	t.Run("endpoint missing", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()
		_, err := probeDebugger(ctx, server.URL, time.Second)
		assert.ErrorContains(t, err, "status 404")
	})

	t.Run("no websocket url", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"Browser": "Chrome/131.0"}`)
		}))
		defer server.Close()
		_, err := probeDebugger(ctx, server.URL, time.Second)
		assert.ErrorContains(t, err, "webSocketDebuggerUrl")
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := probeDebugger(ctx, "", time.Second)
		assert.Error(t, err)
	})
}

func TestLaunch_AttachModeWithoutBrowser(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	cfg := config.BrowserConfig{Mode: config.BrowserModeAttach, RemoteURL: server.URL, AttachTimeout: time.Second}
	b, err := Launch(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrNoRemoteBrowser)
}

func TestLaunchFlags(t *testing.T) {
	t.Run("defaults hide automation", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{})
		assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
		assert.Equal(t, "basic", flags["password-store"])
		assert.Equal(t, true, flags["no-first-run"])
		assert.Equal(t, true, flags["no-default-browser-check"])
		assert.NotContains(t, flags, "headless")
	})

	t.Run("headless", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Headless: true})
		assert.Equal(t, "new", flags["headless"])
	})

	t.Run("user args override", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Args: []string{"--window-size=1280,800", "--incognito", "--password-store=gnome", "--"}})
		assert.Equal(t, "1280,800", flags["window-size"])
		assert.Equal(t, true, flags["incognito"])
		assert.Equal(t, "gnome", flags["password-store"])
		assert.NotContains(t, flags, "")
	})

	t.Run("options include profile and executable", func(t *testing.T) {
		cfg := config.BrowserConfig{UserDataDir: "/tmp/profile", ExecPath: "/usr/bin/chromium"}
		opts := allocatorOptions(cfg)
		assert.Len(t, opts, len(launchFlags(cfg))+2)
	})
}

func TestKeyCodesCoverActuatorKeys(t *testing.T) {
	for _, name := range actuator.KeyNames() {
		_, ok := keyCodes[name]
		assert.True(t, ok, "no key code for %q", name)
	}
	assert.Len(t, keyCodes, len(actuator.KeyNames()))
}

func TestIsDetachedError(t *testing.T) {
	assert.True(t, isDetachedError(errors.New("Target closed")))
	assert.True(t, isDetachedError(fmt.Errorf("wrap: %w", errors.New("No target with given id found"))))
	assert.True(t, isDetachedError(errors.New("invalid context")))
	assert.False(t, isDetachedError(errors.New("could not find node with given id")))
	assert.False(t, isDetachedError(nil))
}

func TestPageRun_ErrorMapping(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("closed tab reports detached", func(t *testing.T) {
		tab, cancel := context.WithCancel(context.Background())
		cancel()
		p := newPage(tab, cancel, logger)
		err := p.run(context.Background())
		assert.ErrorIs(t, err, schemas.ErrPageDetached)
	})

	t.Run("caller deadline survives", func(t *testing.T) {
		// A context without a chromedp allocator makes Run fail immediately;
		// an expired caller context must still be reported as such.
		tab, cancel := context.WithCancel(context.Background())
		defer cancel()
		p := newPage(tab, cancel, logger)

		ctx, cancelCaller := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancelCaller()
		err := p.run(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPressKey_UnknownKey(t *testing.T) {
	tab, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPage(tab, cancel, zaptest.NewLogger(t))
	err := p.PressKey(context.Background(), "", "F13")
	assert.ErrorContains(t, err, `unsupported key "F13"`)
}

func TestCollectorScript(t *testing.T) {
	script := buildCollectorScript(schemas.CollectOptions{MaxDepth: 12, MaxNodes: 300})
	assert.Contains(t, script, `const ATTR = "data-eid";`)
	assert.Contains(t, script, `"maxDepth":12`)
	assert.Contains(t, script, `"maxNodes":300`)
	assert.True(t, strings.HasSuffix(script, `})({"maxDepth":12,"maxNodes":300})`), script[len(script)-60:])
	assert.NotContains(t, script, "%!")
}

func TestScriptsEncodeSelectors(t *testing.T) {
	sel := `[data-eid="e3"]`
	count := fmt.Sprintf(countScript, jsonEncode(sel))
	assert.Equal(t, `document.querySelectorAll("[data-eid=\"e3\"]").length`, count)

	text := fmt.Sprintf(textScript, jsonEncode(sel), 200)
	assert.Contains(t, text, `})("[data-eid=\"e3\"]", 200)`)
	assert.NotContains(t, fmt.Sprintf(clearScript, jsonEncode(sel)), "%!")
}
