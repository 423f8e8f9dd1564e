// Package prompt assembles the LLM prompts used by the runtime: planning,
// task repair, and result interpretation. Builders return message lists
// ready for llm.Client.Complete. Conversation history is windowed by entry
// count and token budget before inclusion.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/store"
	"github.com/kadirpekel/nestor/pkg/task"
)

// DefaultContextTokens bounds the token spend of the conversation window
// inside the planning prompt.
const DefaultContextTokens = 2048

const plannerSystem = `You are the planner of a tool-calling agent. Decompose the user's request into the minimum sequence of tool calls.

Rules:
- Use only tools from the AVAILABLE TOOLS list. Never invent a tool name.
- Prefer a single task when one tool call satisfies the request.
- When a task needs the result of the task directly before it, set the param value to the exact string "{{previous_result}}".
- When a task needs something else from an earlier task, set the param value to "DEPENDENCY:" followed by a short description of the needed value.
- When no tool is needed (greeting, thanks, a question you can answer yourself), return {"tasks":[],"response":"<your answer>"}.
- When required information is missing and no tool can discover it, return a single task with "tool":"CLARIFICATION" and params {"question":"<what to ask the user>"}.

Output only JSON. Do not include the key "description" inside "params".
Return a single JSON object of the form:
{"tasks":[{"tool":"<name>","params":{<args>},"description":"<short summary>"}]}`

const repairSystem = `You are the repair step of a tool-calling agent. A task failed. Propose exactly one replacement task that reaches the same goal, or abort.

Rules:
- Keep the same tool unless the error says the tool does not exist.
- Change only what the error identifies; keep params that were not at fault.
- Use the results of completed tasks to fill missing or referenced values.
- If no replacement task can succeed, return {"abort":true,"reason":"<why>"}.

Output only JSON. Do not include the key "description" inside "params".
Return a single JSON object of the form:
{"tool":"<name>","params":{<args>},"description":"<short summary>"}`

const interpretSystem = `You report tool results back to the user. Given the original request and the results of the executed tasks, answer with one short sentence stating the outcome. Answer with the sentence only, no JSON and no markdown.`

const repromptText = `Your previous reply could not be parsed as a plan (%v). Reply again with only the JSON object described above: no prose, no markdown fences, nothing before or after the JSON.`

// Builder assembles prompts for one configured model.
type Builder struct {
	counter       *TokenCounter
	maxEntries    int
	contextTokens int
}

// NewBuilder creates a prompt builder. The model name selects the token
// encoding used for context windowing; maxEntries caps how many
// conversation entries a prompt may carry.
func NewBuilder(model string, maxEntries int) *Builder {
	counter, err := NewTokenCounter(model)
	if err != nil {
		slog.Debug("Token encoding unavailable, falling back to estimation",
			"model", model,
			"error", err)
		counter = &TokenCounter{model: model}
	}
	return &Builder{
		counter:       counter,
		maxEntries:    maxEntries,
		contextTokens: DefaultContextTokens,
	}
}

// Planner builds the planning prompt: system rules with the rendered
// catalog, custom instructions and session memory, then the windowed
// conversation, then the user's request.
func (b *Builder) Planner(request string, history []store.Entry, catalogText, instructions string, memory map[string]any) []llm.Message {
	var sys strings.Builder
	sys.WriteString(plannerSystem)
	sys.WriteString("\n\nAVAILABLE TOOLS:\n")
	if catalogText == "" {
		sys.WriteString("(none)")
	} else {
		sys.WriteString(catalogText)
	}
	if instructions != "" {
		sys.WriteString("\n\nCUSTOM INSTRUCTIONS:\n")
		sys.WriteString(instructions)
	}
	if len(memory) > 0 {
		sys.WriteString("\n\nSESSION MEMORY (facts the user asked to keep):\n")
		for _, k := range sortedKeys(memory) {
			sys.WriteString(fmt.Sprintf("- %s: %s\n", k, renderValue(memory[k])))
		}
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}
	for _, e := range b.window(history) {
		messages = append(messages, llm.Message{Role: string(e.Role), Content: e.Text})
	}

	// The request is usually already persisted as the newest history
	// entry; avoid sending it twice.
	last := len(messages) - 1
	if messages[last].Role != llm.RoleUser || messages[last].Content != request {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: request})
	}
	return messages
}

// Reprompt extends a planning exchange whose reply failed to parse with
// the invalid output and a stricter instruction.
func (b *Builder) Reprompt(messages []llm.Message, invalid string, parseErr error) []llm.Message {
	out := make([]llm.Message, len(messages), len(messages)+2)
	copy(out, messages)
	if strings.TrimSpace(invalid) != "" {
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: invalid})
	}
	out = append(out, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(repromptText, parseErr)})
	return out
}

// Repair builds the repair prompt for a failed task. The schema and
// catalog text are optional; completed supplies results the replacement
// may reference.
func (b *Builder) Repair(failed *task.Task, errInfo task.ErrorInfo, schema json.RawMessage, completed []*task.Task, catalogText string) []llm.Message {
	var sb strings.Builder
	sb.WriteString("FAILING TASK:\n")
	sb.WriteString(renderTask(failed))
	sb.WriteString("\n\nERROR (")
	sb.WriteString(errInfo.Kind)
	sb.WriteString("): ")
	sb.WriteString(errInfo.Message)
	if len(schema) > 0 {
		sb.WriteString("\n\nTOOL SCHEMA:\n")
		sb.Write(schema)
	}
	if len(completed) > 0 {
		sb.WriteString("\n\nCOMPLETED TASKS:\n")
		for _, t := range completed {
			sb.WriteString(resultLine(t))
			sb.WriteString("\n")
		}
	}
	if catalogText != "" {
		sb.WriteString("\n\nAVAILABLE TOOLS:\n")
		sb.WriteString(catalogText)
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: repairSystem},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// Interpretation builds the prompt that turns raw task results into a one
// sentence reply to the user.
func (b *Builder) Interpretation(request string, results []*task.Task) []llm.Message {
	var sb strings.Builder
	sb.WriteString("REQUEST:\n")
	sb.WriteString(request)
	sb.WriteString("\n\nRESULTS:\n")
	if len(results) == 0 {
		sb.WriteString("(none)\n")
	} else {
		for _, t := range results {
			sb.WriteString(resultLine(t))
			sb.WriteString("\n")
		}
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: interpretSystem},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// window trims history to the entry cap, then to the token budget.
func (b *Builder) window(history []store.Entry) []store.Entry {
	if len(history) > b.maxEntries {
		history = history[len(history)-b.maxEntries:]
	}
	return b.counter.FitEntries(history, b.contextTokens)
}

func renderTask(t *task.Task) string {
	view := task.PlanTask{Tool: t.Tool, Params: t.Params, Description: t.Description}
	b, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Sprintf("%s %v", t.Tool, t.Params)
	}
	return string(b)
}

func resultLine(t *task.Task) string {
	if t.Description != "" {
		return fmt.Sprintf("- %s (%s): %s", t.Tool, t.Description, renderValue(t.Result))
	}
	return fmt.Sprintf("- %s: %s", t.Tool, renderValue(t.Result))
}

// renderValue prints a value for prompt text. Strings stay raw; everything
// else is JSON-encoded.
func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
