// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent glues the session together: it takes a user request,
// asks the LLM for a plan, queues the planned tool calls, drives the
// execution engine, and turns the outcome back into text for the user.
//
// One Agent owns one session. Every conversational turn goes through
// ProcessRequest, which also resumes suspended clarifications: when a
// task is awaiting user input, the next request is treated as the
// answer rather than a new instruction.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kadirpekel/nestor/pkg/catalog"
	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/engine"
	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/instructions"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/prompt"
	"github.com/kadirpekel/nestor/pkg/store"
	"github.com/kadirpekel/nestor/pkg/task"
)

const planParseApology = "I could not produce a valid plan for that request. Could you rephrase it?"

// Connections is the slice of the connection manager the agent needs
// beyond what the engine already drives.
type Connections interface {
	engine.Caller
	Close() error
}

// InstructionSource yields the current custom-instructions text.
// *instructions.Watcher implements it; a static string can be wrapped
// with Static.
type InstructionSource interface {
	Current() string
}

// Static adapts a fixed instruction string to the InstructionSource
// interface.
type Static string

// Current returns the wrapped text.
func (s Static) Current() string { return string(s) }

// Config collects the services an Agent is built from. Store, Catalog,
// Connections, and LLM are required; the rest defaults sensibly.
type Config struct {
	Store        *store.Store
	Catalog      *catalog.Catalog
	Connections  Connections
	LLM          llm.Client
	Agent        config.AgentConfig
	Instructions InstructionSource
}

// Agent orchestrates one session: planning, queueing, execution, and
// the final response.
type Agent struct {
	store        *store.Store
	cat          *catalog.Catalog
	conns        Connections
	llm          llm.Client
	prompts      *prompt.Builder
	engine       *engine.Engine
	instructions InstructionSource
	cfg          config.AgentConfig
	logger       *slog.Logger
}

// New validates the wiring and builds an agent. The store must already
// hold an initialized session.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, fault.New(fault.KindConfig, "agent: store is required")
	}
	if cfg.Catalog == nil {
		return nil, fault.New(fault.KindConfig, "agent: catalog is required")
	}
	if cfg.Connections == nil {
		return nil, fault.New(fault.KindConfig, "agent: connection manager is required")
	}
	if cfg.LLM == nil {
		return nil, fault.New(fault.KindConfig, "agent: llm client is required")
	}
	if cfg.Instructions == nil {
		cfg.Instructions = Static("")
	}

	prompts := prompt.NewBuilder(cfg.LLM.Model(), cfg.Agent.MaxContextEntries)

	return &Agent{
		store:        cfg.Store,
		cat:          cfg.Catalog,
		conns:        cfg.Connections,
		llm:          cfg.LLM,
		prompts:      prompts,
		engine:       engine.New(cfg.Store, cfg.Connections, cfg.Catalog, cfg.LLM, prompts, cfg.Agent),
		instructions: cfg.Instructions,
		cfg:          cfg.Agent,
		logger:       slog.Default().With("session", cfg.Store.SessionID()),
	}, nil
}

// Awaiting returns the question of the clarification task currently
// suspending the queue, if any.
func (a *Agent) Awaiting() (string, bool) {
	t := a.store.AwaitingTask()
	if t == nil {
		return "", false
	}
	return t.Question(), true
}

// ProcessRequest handles one conversational turn. The returned string
// is what the user should see: a direct answer, an interpretation of
// tool results, a clarification question, or an error summary. The
// error return is reserved for infrastructure failures (store I/O,
// cancellation); ordinary task failures come back as text.
func (a *Agent) ProcessRequest(ctx context.Context, userText string) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", fault.New(fault.KindInternal, "empty request")
	}

	if _, err := a.store.AppendConversation(store.RoleUser, userText); err != nil {
		return "", err
	}
	if err := a.store.IncRequests(); err != nil {
		return "", err
	}

	// A suspended clarification claims the next user input as its answer.
	if a.store.HasAwaiting() {
		if _, err := a.store.AnswerClarification(userText); err != nil {
			return "", err
		}
		a.logger.Debug("clarification answered", "answer", userText)
		return a.drive(ctx, userText)
	}

	plan, err := a.plan(ctx, userText)
	if err != nil {
		if fault.KindOf(err) == fault.KindPlanParse {
			return a.respond(planParseApology)
		}
		return "", err
	}

	// No tasks: the model answered directly.
	if len(plan.Tasks) == 0 {
		text := strings.TrimSpace(plan.Response)
		if text == "" {
			text = "Done."
		}
		return a.respond(text)
	}

	tasks, err := task.Materialize(plan, a.cat)
	if err != nil {
		return "", err
	}
	for _, t := range tasks {
		if err := a.store.AddPending(t); err != nil {
			return "", err
		}
	}
	a.logger.Info("plan accepted", "tasks", len(tasks))

	return a.drive(ctx, userText)
}

// drive runs the engine over the pending queue and renders the outcome.
// When called on a resume path the original request is gone; the newest
// user entry stands in for it.
func (a *Agent) drive(ctx context.Context, request string) (string, error) {
	if request == "" {
		request = a.lastUserText()
	}

	outcome, err := a.engine.Run(ctx)
	if err != nil {
		return "", err
	}

	if outcome.AwaitingUser() {
		// The question itself is the assistant turn.
		return a.respond(outcome.Question)
	}

	if outcome.Clean() {
		return a.respond(a.interpret(ctx, request, outcome.Completed()))
	}

	return a.respond(failureText(outcome))
}

// plan asks the LLM for a task plan, retrying once with a stricter
// prompt when the reply does not parse.
func (a *Agent) plan(ctx context.Context, request string) (*task.Plan, error) {
	history, err := a.store.RecentConversation(a.cfg.MaxContextEntries)
	if err != nil {
		return nil, err
	}

	inst, err := instructions.Render(a.instructions.Current(), a.store.Memory())
	if err != nil {
		a.logger.Warn("instructions skipped", "error", err)
		inst = ""
	}

	messages := a.prompts.Planner(request, history, a.cat.Render(), inst, a.store.Memory())

	reply, err := a.llm.Complete(ctx, messages, llm.Options{})
	if err != nil {
		return nil, err
	}

	plan, perr := task.ParsePlan(llm.ExtractJSON(reply))
	if perr == nil {
		return plan, nil
	}

	a.logger.Warn("plan did not parse, re-prompting", "error", perr)

	reply, err = a.llm.Complete(ctx, a.prompts.Reprompt(messages, reply, perr), llm.Options{})
	if err != nil {
		return nil, err
	}
	return task.ParsePlan(llm.ExtractJSON(reply))
}

// interpret turns completed task results into a short prose answer.
// When interpretation is disabled or the call fails, it falls back to
// a plain rendering of the last result.
func (a *Agent) interpret(ctx context.Context, request string, completed []*task.Task) string {
	if len(completed) == 0 {
		return "Nothing needed doing."
	}

	if !a.cfg.Interpretation() {
		return resultText(completed[len(completed)-1])
	}

	reply, err := a.llm.Complete(ctx, a.prompts.Interpretation(request, completed), llm.Options{})
	if err != nil {
		a.logger.Warn("interpretation failed, using raw result", "error", err)
		return resultText(completed[len(completed)-1])
	}
	reply = strings.TrimSpace(llm.StripThinkBlocks(reply))
	if reply == "" {
		return resultText(completed[len(completed)-1])
	}
	return reply
}

// respond records the assistant turn and hands the text back.
func (a *Agent) respond(text string) (string, error) {
	if _, err := a.store.AppendConversation(store.RoleAssistant, text); err != nil {
		return "", err
	}
	return text, nil
}

func (a *Agent) lastUserText() string {
	entries, err := a.store.Conversation()
	if err != nil {
		return ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == store.RoleUser {
			return entries[i].Text
		}
	}
	return ""
}

// failureText summarizes a run that ended with failed tasks: tool name
// and error kind per failure, never raw stack traces.
func failureText(o *engine.Outcome) string {
	var b strings.Builder
	b.WriteString("Some steps failed:\n")
	for _, t := range o.Failures() {
		kind := "error"
		if t.Error != nil && t.Error.Kind != "" {
			kind = t.Error.Kind
		}
		fmt.Fprintf(&b, "- %s: %s", t.Tool, kind)
		if t.Error != nil && t.Error.Message != "" {
			fmt.Fprintf(&b, " (%s)", t.Error.Message)
		}
		b.WriteString("\n")
	}
	if done := o.Completed(); len(done) > 0 {
		fmt.Fprintf(&b, "%d step(s) completed before that.", len(done))
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultText(t *task.Task) string {
	if s, ok := t.Result.(string); ok {
		return fmt.Sprintf("%s: %s", t.Tool, s)
	}
	data, err := json.Marshal(t.Result)
	if err != nil {
		return fmt.Sprintf("%s: %v", t.Tool, t.Result)
	}
	return fmt.Sprintf("%s: %s", t.Tool, data)
}

// SkipAwaiting skips the clarification currently suspending the queue
// together with every task that depends on it, then resumes the rest.
// It returns the text to show the user.
func (a *Agent) SkipAwaiting(ctx context.Context) (string, error) {
	awaiting := a.store.AwaitingTask()
	if awaiting == nil {
		return "", fault.New(fault.KindInternal, "no clarification is pending")
	}

	skipped, err := a.store.Skip(awaiting.ID)
	if err != nil {
		return "", err
	}
	a.logger.Info("clarification skipped", "cascade", len(skipped))

	if a.store.NextExecutable() == nil {
		return a.respond("Skipped.")
	}
	return a.drive(ctx, "")
}

// Stats returns queue and session counters.
func (a *Agent) Stats() store.Stats {
	return a.store.Summary()
}

// Report renders a human-readable session report.
func (a *Agent) Report() string {
	st := a.store.Summary()
	sess := a.store.Session()

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", st.SessionID)
	fmt.Fprintf(&b, "  created:    %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "  requests:   %d\n", st.Requests)
	fmt.Fprintf(&b, "  completed:  %d\n", st.Completed)
	fmt.Fprintf(&b, "  failed:     %d\n", st.Failed)
	fmt.Fprintf(&b, "  skipped:    %d\n", st.Skipped)
	fmt.Fprintf(&b, "  pending:    %d\n", st.Pending)
	if st.AwaitingUser {
		b.WriteString("  a clarification is waiting for input\n")
	}
	fmt.Fprintf(&b, "  attempts:   %d\n", st.TotalAttempts)

	if mem := a.store.Memory(); len(mem) > 0 {
		b.WriteString("  memory:\n")
		keys := make([]string, 0, len(mem))
		for k := range mem {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s = %v\n", k, mem[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Remember stores a session-memory fact readable by prompts and
// instruction templates.
func (a *Agent) Remember(key string, value any) error {
	return a.store.Remember(key, value)
}

// Memory returns a copy of the session memory.
func (a *Agent) Memory() map[string]any {
	return a.store.Memory()
}

// Reset drops all pending work, keeping conversation and memory.
func (a *Agent) Reset() (string, error) {
	dropped := a.store.PendingCount()
	for {
		next := a.store.PendingTasks()
		if len(next) == 0 {
			break
		}
		if _, err := a.store.Skip(next[0].ID); err != nil {
			return "", err
		}
	}
	return a.respond(fmt.Sprintf("Queue cleared (%d task(s) dropped).", dropped))
}

// Pause freezes the queue for a later resume: pending and awaiting
// tasks keep their status on disk.
func (a *Agent) Pause() error {
	return a.store.PauseAll()
}

// Close archives the session and shuts down tool-server connections.
func (a *Agent) Close() error {
	archiveErr := a.store.Archive()
	closeErr := a.conns.Close()
	if archiveErr != nil {
		return archiveErr
	}
	return closeErr
}
