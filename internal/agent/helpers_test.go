package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/actuator"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
	"github.com/xkilldash9x/browserpilot/internal/mocks"
	"github.com/xkilldash9x/browserpilot/internal/observability"
	"github.com/xkilldash9x/browserpilot/internal/planner"
	"github.com/xkilldash9x/browserpilot/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	searchURL  = "https://search.test/"
	resultsURL = "https://search.test/results?q=rust+agents"
	firstURL   = "https://rust-agents.test/"
)

var (
	selSearchBox   = schemas.SelectorForID("e1")
	selFirstResult = schemas.SelectorForID("e3")
)

// searchSite is a search engine with one result page.
func searchSite() mocks.FakeSite {
	return mocks.FakeSite{
		searchURL: {
			Title: "Search",
			Nodes: []schemas.RawNode{
				{EID: "e1", Tag: "INPUT", Type: "search", Name: "q", Placeholder: "Search the web", Visible: true, Depth: 3},
				{EID: "e2", Tag: "BUTTON", Text: "Search", Visible: true, Depth: 3},
			},
			Keys: map[string]string{selSearchBox + "|Enter": resultsURL},
		},
		resultsURL: {
			Title: "rust agents - Search",
			Nodes: []schemas.RawNode{
				{Tag: "H2", Text: "Results for rust agents", Visible: true, Depth: 2},
				{EID: "e3", Tag: "A", Text: "Rust agents: a first look", Href: firstURL, Visible: true, Depth: 3},
			},
			Links: map[string]string{selFirstResult: firstURL},
		},
		firstURL: {
			Title: "Rust agents: a first look",
			Nodes: []schemas.RawNode{{Tag: "H1", Text: "Rust agents: a first look", Visible: true, Depth: 1}},
		},
	}
}

// buttonSite shows a single button on the start page.
func buttonSite() mocks.FakeSite {
	return mocks.FakeSite{
		"about:blank": {
			Title: "Start",
			Nodes: []schemas.RawNode{{EID: "e1", Tag: "BUTTON", Text: "Go", Visible: true, Depth: 1}},
			Texts: map[string]string{schemas.SelectorForID("e1"): "Go"},
		},
	}
}

// scriptedLLM replays replies in order and then keeps repeating the last one.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	requests []schemas.GenerationRequest
}

func newScriptedLLM(replies ...string) *scriptedLLM {
	return &scriptedLLM{replies: replies}
}

func (s *scriptedLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func (s *scriptedLLM) Close() error { return nil }

func (s *scriptedLLM) Requests() []schemas.GenerationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.GenerationRequest(nil), s.requests...)
}

// blockingLLM returns a mock whose first Generate call signals entered and
// then waits for release before answering reply.
func blockingLLM(reply string) (*mocks.MockLLMClient, <-chan struct{}, chan<- struct{}) {
	llm := new(mocks.MockLLMClient)
	entered := make(chan struct{})
	release := make(chan struct{})
	llm.On("Generate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(reply, nil).Once()
	return llm, entered, release
}

// fastActuator keeps element and wait ceilings short so failure paths are quick.
func fastActuator() actuator.Options {
	return actuator.Options{
		PollInterval:      time.Millisecond,
		ElementTimeout:    10 * time.Millisecond,
		NavigationTimeout: time.Second,
		WaitTimeout:       20 * time.Millisecond,
	}
}

type harness struct {
	bus        *eventbus.Bus
	sub        *eventbus.Subscription
	metrics    *observability.Metrics
	controller *Controller
}

func newHarness(logger *zap.Logger, llm schemas.LLMClient, opts ControllerOptions) *harness {
	metrics := observability.NewMetrics()
	bus := eventbus.New(logger, metrics, 4096)
	if opts.SnapshotBackoffInitial == 0 {
		opts.SnapshotBackoffInitial = time.Millisecond
		opts.SnapshotBackoffMax = 2 * time.Millisecond
	}
	pl := planner.New(logger, llm, planner.EstimateTokenizer{}, metrics, planner.Options{})
	ctrl := NewController(logger,
		snapshot.NewBuilder(logger, snapshot.Options{}),
		pl,
		actuator.New(logger, fastActuator()),
		bus, metrics, opts)
	return &harness{
		bus:        bus,
		sub:        bus.Subscribe(eventbus.Filter{}),
		metrics:    metrics,
		controller: ctrl,
	}
}

func setupHarness(t *testing.T, llm schemas.LLMClient, opts ControllerOptions) *harness {
	t.Helper()
	h := newHarness(zaptest.NewLogger(t), llm, opts)
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.sub.Close()
	h.bus.Shutdown()
}

// drain returns every event buffered so far.
func (h *harness) drain() []schemas.AgentEvent {
	var out []schemas.AgentEvent
	for {
		select {
		case ev, ok := <-h.sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(events []schemas.AgentEvent, typ schemas.EventType) []schemas.AgentEvent {
	var out []schemas.AgentEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func terminalEvents(events []schemas.AgentEvent) []schemas.AgentEvent {
	var out []schemas.AgentEvent
	for _, ev := range events {
		if ev.Type.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

// stateTrail lists the states entered, in order.
func stateTrail(events []schemas.AgentEvent) []schemas.SessionState {
	var out []schemas.SessionState
	for _, ev := range ofType(events, schemas.EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

// panicExecutor stands in for an actuator with a bug.
type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, schemas.Page, schemas.Step) schemas.ActionOutcome {
	panic("executor exploded")
}
