package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/catalog"
	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/prompt"
	"github.com/kadirpekel/nestor/pkg/store"
	"github.com/kadirpekel/nestor/pkg/task"
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

type toolCall struct {
	tool    string
	args    map[string]any
	timeout time.Duration
}

// fakeCaller scripts per-tool responses and records every call, so tests
// can assert on argument values and timeout budgets.
type fakeCaller struct {
	mu         sync.Mutex
	handlers   map[string]func(call int, args map[string]any) (any, error)
	calls      []toolCall
	perTool    map[string]int
	reconnects int
	lastServer string
	reconnErr  error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		handlers: make(map[string]func(int, map[string]any) (any, error)),
		perTool:  make(map[string]int),
	}
}

func (f *fakeCaller) handle(tool string, fn func(call int, args map[string]any) (any, error)) {
	f.handlers[tool] = fn
}

// returning wires a tool that always succeeds with the given value.
func (f *fakeCaller) returning(tool string, value any) {
	f.handle(tool, func(int, map[string]any) (any, error) {
		return value, nil
	})
}

func (f *fakeCaller) CallToolWithTimeout(_ context.Context, name string, args map[string]any, timeout time.Duration) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolCall{tool: name, args: args, timeout: timeout})
	f.perTool[name]++
	h, ok := f.handlers[name]
	if !ok {
		return nil, fault.Errorf(fault.KindUnknownTool, "no handler for %q", name).ForTool(name)
	}
	return h(f.perTool[name], args)
}

func (f *fakeCaller) Reconnect(_ context.Context, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	f.lastServer = server
	return f.reconnErr
}

func newTestEngine(t *testing.T, fc *fakeCaller, rules []config.MockRule) (*Engine, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir())
	_, err := st.Initialize("")
	require.NoError(t, err)

	cat := catalog.New()
	require.NoError(t, cat.Register("calc", []mcp.Tool{
		rawTool("add", "Add two numbers", addSchema),
		rawTool("echo", "Echo text back", echoSchema),
		rawTool("boom", "Always fails", `{"type":"object"}`),
	}))

	cfg := config.AgentConfig{MaxAttempts: 3, ToolTimeoutSeconds: 1}
	eng := New(st, fc, cat, llm.NewMock(rules), prompt.NewBuilder("gpt-4o-mini", 10), cfg)
	return eng, st
}

func queue(t *testing.T, st *store.Store, tk *task.Task) *task.Task {
	t.Helper()
	require.NoError(t, st.AddPending(tk))
	return tk
}

func run(t *testing.T, eng *Engine) *Outcome {
	t.Helper()
	out, err := eng.Run(context.Background())
	require.NoError(t, err)
	return out
}

func TestRun_EmptyQueue(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeCaller(), nil)

	out := run(t, eng)

	assert.False(t, out.AwaitingUser())
	assert.True(t, out.Clean())
	assert.Empty(t, out.Executed)
}

func TestRun_CompletesTask(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("add", float64(3))
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, "Add the numbers"))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	done := out.Executed[0]
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, float64(3), done.Result)
	assert.Equal(t, 1, done.Attempts)
	assert.True(t, out.Clean())
	assert.Equal(t, 0, st.PendingCount())
}

func TestRun_TasksRunInQueueOrder(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("add", float64(3))
	fc.returning("echo", "ok")
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))
	queue(t, st, task.New("echo", map[string]any{"text": "hello"}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 2)
	require.Len(t, fc.calls, 2)
	assert.Equal(t, "add", fc.calls[0].tool)
	assert.Equal(t, "echo", fc.calls[1].tool)
}

func TestRun_ClarificationSuspendsAndResumes(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("echo", "done")
	eng, st := newTestEngine(t, fc, nil)

	ask := queue(t, st, task.NewClarification("Which city?"))
	say := task.New("echo", map[string]any{"text": task.PreviousResultToken}, "Echo the answer")
	say.DependsOn = []string{ask.ID}
	queue(t, st, say)

	out := run(t, eng)

	assert.Equal(t, "Which city?", out.Question)
	assert.True(t, out.AwaitingUser())
	assert.Empty(t, out.Executed)
	assert.True(t, st.HasAwaiting())
	assert.Equal(t, 2, st.PendingCount())

	_, err := st.AnswerClarification("Paris")
	require.NoError(t, err)

	out = run(t, eng)

	assert.False(t, out.AwaitingUser())
	require.Len(t, out.Executed, 1)
	assert.Equal(t, task.StatusCompleted, out.Executed[0].Status)
	require.Len(t, fc.calls, 1)
	assert.Equal(t, "Paris", fc.calls[0].args["text"])
}

func TestRun_PreviousResultKeepsNativeType(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(call int, args map[string]any) (any, error) {
		if call == 1 {
			return float64(3), nil
		}
		return float64(13), nil
	})
	eng, st := newTestEngine(t, fc, nil)

	first := queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))
	second := task.New("add", map[string]any{"a": task.PreviousResultToken, "b": float64(10)}, "")
	second.DependsOn = []string{first.ID}
	queue(t, st, second)

	out := run(t, eng)

	require.Len(t, out.Executed, 2)
	assert.True(t, out.Clean())
	require.Len(t, fc.calls, 2)
	assert.Equal(t, float64(3), fc.calls[1].args["a"])
	assert.Equal(t, float64(13), out.Executed[1].Result)
}

func TestRun_PreviousResultEmbedsAsText(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("add", float64(3))
	fc.returning("echo", "ok")
	eng, st := newTestEngine(t, fc, nil)

	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))
	queue(t, st, task.New("echo", map[string]any{"text": "the sum is " + task.PreviousResultToken}, ""))

	run(t, eng)

	require.Len(t, fc.calls, 2)
	assert.Equal(t, "the sum is 3", fc.calls[1].args["text"])
}

func TestRun_PreviousResultWithoutHistoryGoesToRepair(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("echo", "ok")
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (invalid_params)", Response: `{"tool":"echo","params":{"text":"hello"}}`},
	})
	queue(t, st, task.New("echo", map[string]any{"text": task.PreviousResultToken}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	assert.Equal(t, task.StatusCompleted, out.Executed[0].Status)
	assert.Equal(t, 2, out.Executed[0].Attempts)
	require.Len(t, fc.calls, 1)
	assert.Equal(t, "hello", fc.calls[0].args["text"])
}

func TestRun_DependencyPointerResolvedByRepairCall(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("add", float64(3))
	fc.returning("echo", "ok")
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "the sum computed before", Response: `{"tool":"echo","params":{"text":"3"}}`},
	})

	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))
	queue(t, st, task.New("echo", map[string]any{"text": "DEPENDENCY: the sum computed before"}, ""))

	out := run(t, eng)

	assert.True(t, out.Clean())
	require.Len(t, fc.calls, 2)
	assert.Equal(t, "3", fc.calls[1].args["text"])
	// Resolution is not a failure: the task succeeds on its first attempt.
	assert.Equal(t, 1, out.Executed[1].Attempts)
}

func TestRun_DependencyAbortFailsTask(t *testing.T) {
	fc := newFakeCaller()
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (invalid_params)", Response: `{"abort":true,"reason":"nothing to point at"}`},
	})
	queue(t, st, task.New("echo", map[string]any{"text": "DEPENDENCY: the missing value"}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindLLMError), failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "nothing to point at")
	assert.Empty(t, fc.calls)
}

func TestRun_InvalidParamsRepairedBeforeAnyCall(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("add", float64(3))
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (invalid_params)", Response: `{"tool":"add","params":{"a":1,"b":2}}`},
	})
	queue(t, st, task.New("add", map[string]any{"a": float64(1)}, "Add with missing b"))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	done := out.Executed[0]
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	// The failing attempt never reached the server.
	require.Len(t, fc.calls, 1)
	assert.Equal(t, float64(3), done.Result)
}

func TestRun_UnknownToolGetsReplacement(t *testing.T) {
	fc := newFakeCaller()
	fc.returning("add", float64(8))
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (unknown_tool)", Response: `{"tool":"add","params":{"a":5,"b":3},"description":"Add instead"}`},
	})
	queue(t, st, task.New("subtract", map[string]any{"a": float64(5), "b": float64(3)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	done := out.Executed[0]
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "add", done.Tool)
	assert.Equal(t, "Add instead", done.Description)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, float64(8), done.Result)
}

func TestRun_UnknownToolReplacedAtMostOnce(t *testing.T) {
	fc := newFakeCaller()
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (unknown_tool)", Response: `{"tool":"minus","params":{"a":5,"b":3}}`},
	})
	queue(t, st, task.New("subtract", map[string]any{"a": float64(5), "b": float64(3)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, "minus", failed.Tool)
	assert.Equal(t, 2, failed.Attempts)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindUnknownTool), failed.Error.Kind)
	assert.Empty(t, fc.calls)
}

func TestRun_ToolErrorRepairAborts(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("boom", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindToolError, "kaput").ForTool("boom")
	})
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (tool_error)", Response: `{"abort":true,"reason":"no way to fix this"}`},
	})
	queue(t, st, task.New("boom", map[string]any{}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindToolError), failed.Error.Kind)
	assert.Equal(t, "repair aborted: no way to fix this", failed.Error.Message)
}

func TestRun_MaxAttemptsExhausted(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindToolError, "still broken").ForTool("add")
	})
	eng, st := newTestEngine(t, fc, []config.MockRule{
		{Contains: "ERROR (tool_error)", Response: `{"tool":"add","params":{"a":1,"b":2}}`},
	})
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 3, fc.perTool["add"])
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindToolError), failed.Error.Kind)
}

func TestRun_TimeoutRetriesOnceWithDoubledBudget(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(call int, _ map[string]any) (any, error) {
		if call == 1 {
			return nil, fault.New(fault.KindTimeout, "tool call did not complete within 1s").ForTool("add")
		}
		return float64(3), nil
	})
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	assert.Equal(t, task.StatusCompleted, out.Executed[0].Status)
	assert.Equal(t, 2, out.Executed[0].Attempts)
	require.Len(t, fc.calls, 2)
	assert.Equal(t, time.Second, fc.calls[0].timeout)
	assert.Equal(t, 2*time.Second, fc.calls[1].timeout)
}

func TestRun_SecondTimeoutIsTerminal(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindTimeout, "tool call did not complete within 1s").ForTool("add")
	})
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindTimeout), failed.Error.Kind)
}

func TestRun_TransportClosedReconnectsAndRetries(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(call int, _ map[string]any) (any, error) {
		if call == 1 {
			return nil, fault.New(fault.KindTransportClosed, "transport to server \"calc\" failed").ForTool("add")
		}
		return float64(3), nil
	})
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	assert.Equal(t, task.StatusCompleted, out.Executed[0].Status)
	assert.Equal(t, 2, out.Executed[0].Attempts)
	assert.Equal(t, 1, fc.reconnects)
	assert.Equal(t, "calc", fc.lastServer)
}

func TestRun_ReconnectFailureIsTerminal(t *testing.T) {
	fc := newFakeCaller()
	fc.reconnErr = fault.New(fault.KindConnection, "spawn failed")
	fc.handle("add", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindTransportClosed, "transport to server \"calc\" failed").ForTool("add")
	})
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, 1, fc.reconnects)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindTransportClosed), failed.Error.Kind)
}

func TestRun_DecodeErrorFailsImmediately(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindDecodeError, "response carried no decodable text content (17 raw bytes)").ForTool("add")
	})
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 1)
	failed := out.Executed[0]
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindDecodeError), failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "raw bytes")
}

func TestRun_FailureSkipsDependentsOnly(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("boom", func(int, map[string]any) (any, error) {
		return nil, fault.New(fault.KindDecodeError, "no text content").ForTool("boom")
	})
	fc.returning("add", float64(3))
	eng, st := newTestEngine(t, fc, nil)

	broken := queue(t, st, task.New("boom", map[string]any{}, ""))
	dependent := task.New("echo", map[string]any{"text": "never runs"}, "")
	dependent.DependsOn = []string{broken.ID}
	queue(t, st, dependent)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out := run(t, eng)

	require.Len(t, out.Executed, 3)
	assert.Equal(t, task.StatusFailed, out.Executed[0].Status)
	assert.Equal(t, task.StatusSkipped, out.Executed[1].Status)
	assert.Equal(t, task.StatusCompleted, out.Executed[2].Status)
	assert.False(t, out.Clean())
	require.Len(t, out.Failures(), 1)
	assert.Equal(t, "boom", out.Failures()[0].Tool)
	require.Len(t, out.Completed(), 1)
	assert.Equal(t, "add", out.Completed()[0].Tool)
}

func TestRun_CanceledRunKeepsTaskPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := newFakeCaller()
	fc.handle("add", func(int, map[string]any) (any, error) {
		cancel()
		return nil, fault.New(fault.KindInternal, "tool call canceled").ForTool("add")
	})
	eng, st := newTestEngine(t, fc, nil)
	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))

	out, err := eng.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.Executed)
	require.Equal(t, 1, st.PendingCount())
	assert.Equal(t, task.StatusPending, st.PendingTasks()[0].Status)
}

func TestRun_ResolvedParamsArePersisted(t *testing.T) {
	fc := newFakeCaller()
	fc.handle("add", func(call int, _ map[string]any) (any, error) {
		return float64(3 * call), nil
	})
	eng, st := newTestEngine(t, fc, nil)

	queue(t, st, task.New("add", map[string]any{"a": float64(1), "b": float64(2)}, ""))
	queue(t, st, task.New("add", map[string]any{"a": task.PreviousResultToken, "b": float64(4)}, ""))

	run(t, eng)

	completed := st.CompletedTasks()
	require.Len(t, completed, 2)
	assert.Equal(t, float64(3), completed[1].Params["a"])
}

func TestRenderResult(t *testing.T) {
	assert.Equal(t, "plain text", renderResult("plain text"))
	assert.Equal(t, "3", renderResult(float64(3)))
	assert.Equal(t, `{"unit":"C"}`, renderResult(map[string]any{"unit": "C"}))
}
