package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/store"
	"github.com/kadirpekel/nestor/pkg/task"

	"github.com/kadirpekel/nestor/pkg/catalog"
)

const addSchema = `{
	"type": "object",
	"properties": {
		"a": {"type": "number"},
		"b": {"type": "number"}
	},
	"required": ["a", "b"]
}`

const echoSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"]
}`

func rawTool(name, desc, schema string) mcp.Tool {
	return mcp.Tool{
		Name:           name,
		Description:    desc,
		RawInputSchema: json.RawMessage(schema),
	}
}

// fakeConns scripts tool responses and records calls, standing in for
// the connection manager.
type fakeConns struct {
	mu       sync.Mutex
	handlers map[string]func(call int, args map[string]any) (any, error)
	calls    []string
	perTool  map[string]int
	closed   bool
}

func newFakeConns() *fakeConns {
	return &fakeConns{
		handlers: make(map[string]func(int, map[string]any) (any, error)),
		perTool:  make(map[string]int),
	}
}

func (f *fakeConns) handle(tool string, fn func(call int, args map[string]any) (any, error)) {
	f.handlers[tool] = fn
}

func (f *fakeConns) returning(tool string, value any) {
	f.handle(tool, func(int, map[string]any) (any, error) {
		return value, nil
	})
}

func (f *fakeConns) CallToolWithTimeout(_ context.Context, name string, args map[string]any, _ time.Duration) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.perTool[name]++
	h, ok := f.handlers[name]
	if !ok {
		return nil, fault.Errorf(fault.KindUnknownTool, "no handler for %q", name).ForTool(name)
	}
	return h(f.perTool[name], args)
}

func (f *fakeConns) Reconnect(context.Context, string) error {
	return nil
}

func (f *fakeConns) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func defaultAgentConfig() config.AgentConfig {
	return config.AgentConfig{MaxAttempts: 3, ToolTimeoutSeconds: 1, MaxContextEntries: 10}
}

func newTestAgent(t *testing.T, fc *fakeConns, rules []config.MockRule, cfg config.AgentConfig) *Agent {
	t.Helper()
	st := store.New(t.TempDir())
	_, err := st.Initialize("")
	require.NoError(t, err)

	cat := catalog.New()
	require.NoError(t, cat.Register("calc", []mcp.Tool{
		rawTool("add", "Add two numbers", addSchema),
		rawTool("multiply", "Multiply two numbers", addSchema),
		rawTool("echo", "Echo text back", echoSchema),
	}))

	a, err := New(Config{
		Store:       st,
		Catalog:     cat,
		Connections: fc,
		LLM:         llm.NewMock(rules),
		Agent:       cfg,
	})
	require.NoError(t, err)
	return a
}

func boolPtr(b bool) *bool { return &b }

func TestNew_RequiresServices(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")

	st := store.New(t.TempDir())
	_, err = st.Initialize("")
	require.NoError(t, err)

	_, err = New(Config{Store: st})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")

	_, err = New(Config{Store: st, Catalog: catalog.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection")

	_, err = New(Config{Store: st, Catalog: catalog.New(), Connections: newFakeConns()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm")
}

func TestProcessRequest_EmptyInput(t *testing.T) {
	a := newTestAgent(t, newFakeConns(), nil, defaultAgentConfig())

	_, err := a.ProcessRequest(context.Background(), "   ")
	require.Error(t, err)
}

func TestProcessRequest_DirectResponse(t *testing.T) {
	fc := newFakeConns()
	rules := []config.MockRule{
		{Contains: "Say hello", Response: `{"tasks":[],"response":"Hello right back."}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Say hello")
	require.NoError(t, err)

	assert.Equal(t, "Hello right back.", reply)
	assert.Empty(t, fc.calls)

	entries, err := a.store.Conversation()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.RoleUser, entries[0].Role)
	assert.Equal(t, store.RoleAssistant, entries[1].Role)
	assert.Equal(t, "Hello right back.", entries[1].Text)
}

func TestProcessRequest_SingleTask(t *testing.T) {
	fc := newFakeConns()
	fc.returning("add", float64(300))
	rules := []config.MockRule{
		{Contains: "You report tool results", Response: "The total is 300."},
		{Contains: "Add 100 and 200", Response: `{"tasks":[{"tool":"add","params":{"a":100,"b":200},"description":"Add the numbers"}]}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Add 100 and 200.")
	require.NoError(t, err)

	assert.Contains(t, reply, "300")
	assert.Equal(t, []string{"add"}, fc.calls)

	st := a.Stats()
	assert.Equal(t, 1, st.Requests)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 0, st.Pending)
}

func TestProcessRequest_ChainedTasks(t *testing.T) {
	fc := newFakeConns()
	fc.returning("add", float64(300))
	fc.handle("multiply", func(_ int, args map[string]any) (any, error) {
		return args["a"].(float64) * args["b"].(float64), nil
	})
	rules := []config.MockRule{
		{Contains: "You report tool results", Response: "The result is 600."},
		{Contains: "then multiply by 2", Response: `{"tasks":[` +
			`{"tool":"add","params":{"a":100,"b":200},"description":"Add the numbers"},` +
			`{"tool":"multiply","params":{"a":"{{previous_result}}","b":2},"description":"Double the sum"}]}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Add 100 and 200, then multiply by 2.")
	require.NoError(t, err)

	assert.Contains(t, reply, "600")
	assert.Equal(t, []string{"add", "multiply"}, fc.calls)

	// The placeholder resolved to the prior result as a native number.
	done := a.store.CompletedTasks()
	require.Len(t, done, 2)
	assert.Equal(t, float64(300), done[1].Params["a"])
	assert.Equal(t, float64(600), done[1].Result)
}

func TestProcessRequest_InterpretationDisabled(t *testing.T) {
	fc := newFakeConns()
	fc.returning("add", float64(300))
	rules := []config.MockRule{
		{Contains: "Add 100 and 200", Response: `{"tasks":[{"tool":"add","params":{"a":100,"b":200},"description":"Add"}]}`},
	}
	cfg := defaultAgentConfig()
	cfg.Interpret = boolPtr(false)
	a := newTestAgent(t, fc, rules, cfg)

	reply, err := a.ProcessRequest(context.Background(), "Add 100 and 200.")
	require.NoError(t, err)

	assert.Equal(t, "add: 300", reply)
}

func TestProcessRequest_InterpretationFailureFallsBack(t *testing.T) {
	fc := newFakeConns()
	fc.returning("add", float64(300))
	// No rule matches the interpretation prompt, so that call errors.
	rules := []config.MockRule{
		{Contains: "Add 100 and 200", Response: `{"tasks":[{"tool":"add","params":{"a":100,"b":200},"description":"Add"}]}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Add 100 and 200.")
	require.NoError(t, err)

	assert.Equal(t, "add: 300", reply)
}

func TestProcessRequest_ReplanOnUnparsableReply(t *testing.T) {
	fc := newFakeConns()
	// The re-prompt rule must come first: its prompt embeds the whole
	// planning exchange, request text included.
	rules := []config.MockRule{
		{Contains: "could not be parsed as a plan", Response: `{"tasks":[],"response":"All good."}`},
		{Contains: "Do the thing", Response: "Sure! I will get right to it."},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Do the thing")
	require.NoError(t, err)

	assert.Equal(t, "All good.", reply)
	assert.Empty(t, fc.calls)
}

func TestProcessRequest_ApologyAfterSecondParseFailure(t *testing.T) {
	fc := newFakeConns()
	rules := []config.MockRule{
		{Contains: "could not be parsed as a plan", Response: "still not json"},
		{Contains: "Do the thing", Response: "not json either"},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Do the thing")
	require.NoError(t, err)

	assert.Equal(t, planParseApology, reply)
	assert.Equal(t, 0, a.store.PendingCount())

	entries, err := a.store.Conversation()
	require.NoError(t, err)
	assert.Equal(t, planParseApology, entries[len(entries)-1].Text)
}

func TestProcessRequest_ClarificationRoundTrip(t *testing.T) {
	fc := newFakeConns()
	fc.returning("add", float64(52))
	rules := []config.MockRule{
		{Contains: "You report tool results", Response: "You would be 52."},
		{Contains: "You are the repair step", Response: `{"tool":"add","params":{"a":42,"b":10},"description":"Add 10 to the age"}`},
		{Contains: "Add my age to 10", Response: `{"tasks":[` +
			`{"tool":"CLARIFICATION","params":{"question":"How old are you?"}},` +
			`{"tool":"add","params":{"a":"{{previous_result}}","b":10},"description":"Add 10 to the age"}]}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Add my age to 10.")
	require.NoError(t, err)

	assert.Equal(t, "How old are you?", reply)
	question, ok := a.Awaiting()
	require.True(t, ok)
	assert.Contains(t, question, "old")

	// The next input is the answer. The raw answer is a string, so the
	// schema check bounces it to the repair step, which supplies the
	// number.
	reply, err = a.ProcessRequest(context.Background(), "42")
	require.NoError(t, err)

	assert.Contains(t, reply, "52")
	_, ok = a.Awaiting()
	assert.False(t, ok)

	st := a.Stats()
	assert.Equal(t, 2, st.Completed) // clarification + add
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 2, st.Requests)
}

func TestSkipAwaiting_CascadesAndAnswers(t *testing.T) {
	fc := newFakeConns()
	rules := []config.MockRule{
		{Contains: "Echo my name", Response: `{"tasks":[` +
			`{"tool":"CLARIFICATION","params":{"question":"What is your name?"}},` +
			`{"tool":"echo","params":{"text":"{{previous_result}}"},"description":"Echo it"}]}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Echo my name")
	require.NoError(t, err)
	assert.Equal(t, "What is your name?", reply)

	reply, err = a.SkipAwaiting(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Skipped.", reply)
	assert.False(t, a.store.HasAwaiting())
	assert.Empty(t, fc.calls)

	st := a.Stats()
	assert.Equal(t, 2, st.Skipped)
	assert.Equal(t, 0, st.Pending)
}

func TestSkipAwaiting_NothingPending(t *testing.T) {
	a := newTestAgent(t, newFakeConns(), nil, defaultAgentConfig())

	_, err := a.SkipAwaiting(context.Background())
	require.Error(t, err)
}

func TestProcessRequest_FailureSummary(t *testing.T) {
	fc := newFakeConns()
	fc.handle("add", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindDecodeError, "empty content").ForTool("add")
	})
	rules := []config.MockRule{
		{Contains: "Add 1 and 2", Response: `{"tasks":[{"tool":"add","params":{"a":1,"b":2},"description":"Add"}]}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())

	reply, err := a.ProcessRequest(context.Background(), "Add 1 and 2")
	require.NoError(t, err)

	assert.Contains(t, reply, "add: decode_error")
	assert.NotContains(t, reply, "goroutine")

	st := a.Stats()
	assert.Equal(t, 1, st.Failed)
}

func TestProcessRequest_MemoryReachesPlanner(t *testing.T) {
	fc := newFakeConns()
	rules := []config.MockRule{
		{Contains: "- name: Ada", Response: `{"tasks":[],"response":"Hi Ada."}`},
	}
	a := newTestAgent(t, fc, rules, defaultAgentConfig())
	require.NoError(t, a.Remember("name", "Ada"))

	reply, err := a.ProcessRequest(context.Background(), "Who am I?")
	require.NoError(t, err)

	assert.Equal(t, "Hi Ada.", reply)
}

func TestProcessRequest_InstructionsReachPlanner(t *testing.T) {
	fc := newFakeConns()
	rules := []config.MockRule{
		{Contains: "Always answer in haiku", Response: `{"tasks":[],"response":"Leaves drift, answer comes."}`},
	}

	st := store.New(t.TempDir())
	_, err := st.Initialize("")
	require.NoError(t, err)

	a, err := New(Config{
		Store:        st,
		Catalog:      catalog.New(),
		Connections:  fc,
		LLM:          llm.NewMock(rules),
		Agent:        defaultAgentConfig(),
		Instructions: Static("Always answer in haiku."),
	})
	require.NoError(t, err)

	reply, err := a.ProcessRequest(context.Background(), "Anything")
	require.NoError(t, err)
	assert.Equal(t, "Leaves drift, answer comes.", reply)
}

func TestRememberAndMemory(t *testing.T) {
	a := newTestAgent(t, newFakeConns(), nil, defaultAgentConfig())

	require.NoError(t, a.Remember("city", "Istanbul"))
	mem := a.Memory()
	assert.Equal(t, "Istanbul", mem["city"])
}

func TestReport_IncludesCountersAndMemory(t *testing.T) {
	a := newTestAgent(t, newFakeConns(), nil, defaultAgentConfig())
	require.NoError(t, a.Remember("name", "Ada"))

	report := a.Report()

	assert.Contains(t, report, a.store.SessionID())
	assert.Contains(t, report, "requests:   0")
	assert.Contains(t, report, "name = Ada")
}

func TestReset_ClearsQueue(t *testing.T) {
	a := newTestAgent(t, newFakeConns(), nil, defaultAgentConfig())
	require.NoError(t, a.store.AddPending(task.New("add", map[string]any{"a": 1, "b": 2}, "first")))
	require.NoError(t, a.store.AddPending(task.New("echo", map[string]any{"text": "hi"}, "second")))

	reply, err := a.Reset()
	require.NoError(t, err)

	assert.Contains(t, reply, "2 task(s)")
	assert.Equal(t, 0, a.store.PendingCount())
}

func TestPause_KeepsQueueOnDisk(t *testing.T) {
	a := newTestAgent(t, newFakeConns(), nil, defaultAgentConfig())
	require.NoError(t, a.store.AddPending(task.New("add", map[string]any{"a": 1, "b": 2}, "later")))

	require.NoError(t, a.Pause())

	assert.Equal(t, 1, a.store.PendingCount())
}

func TestClose_ArchivesAndClosesConnections(t *testing.T) {
	fc := newFakeConns()
	a := newTestAgent(t, fc, nil, defaultAgentConfig())

	require.NoError(t, a.Close())

	assert.True(t, fc.closed)
	archived, err := a.store.ListArchived()
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}
