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

// Package engine drives the task queue: it pops the next executable task,
// resolves result placeholders, validates params against the tool catalog,
// calls the tool server, and applies the retry and repair policy to
// failures.
//
// Tasks run strictly in queue order, one at a time. Error kinds decide
// what happens next: parameter and tool errors go back to the LLM for
// repair, timeouts get a single retry with a doubled budget, a broken
// transport gets a single reconnect, and decode errors fail on the spot.
// A terminal failure skips every pending task that depends on the failed
// one; independent tasks keep running.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/kadirpekel/nestor/pkg/catalog"
	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/prompt"
	"github.com/kadirpekel/nestor/pkg/store"
	"github.com/kadirpekel/nestor/pkg/task"
)

// Caller is the connection surface the engine drives. *mcpconn.Manager
// implements it.
type Caller interface {
	CallToolWithTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) (any, error)
	Reconnect(ctx context.Context, server string) error
}

// Engine executes pending tasks against connected tool servers.
type Engine struct {
	store       *store.Store
	conns       Caller
	cat         *catalog.Catalog
	llm         llm.Client
	prompts     *prompt.Builder
	maxAttempts int
	timeout     time.Duration
}

// New wires an engine over the session store, the connection manager, and
// the LLM used for repair calls.
func New(st *store.Store, conns Caller, cat *catalog.Catalog, client llm.Client, prompts *prompt.Builder, cfg config.AgentConfig) *Engine {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Engine{
		store:       st,
		conns:       conns,
		cat:         cat,
		llm:         client,
		prompts:     prompts,
		maxAttempts: attempts,
		timeout:     cfg.ToolTimeout(),
	}
}

// Outcome summarizes one engine run.
type Outcome struct {
	// Question is set when a clarification task suspended the queue; the
	// caller must surface it and feed the user's reply back in.
	Question string

	// Executed lists the tasks that reached a terminal status during this
	// run, in the order they finished.
	Executed []*task.Task
}

// AwaitingUser reports whether the run stopped on a clarification.
func (o *Outcome) AwaitingUser() bool {
	return o.Question != ""
}

// Clean reports whether every executed task completed.
func (o *Outcome) Clean() bool {
	for _, t := range o.Executed {
		if t.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// Completed returns the executed tasks that finished with a result.
func (o *Outcome) Completed() []*task.Task {
	var out []*task.Task
	for _, t := range o.Executed {
		if t.Status == task.StatusCompleted {
			out = append(out, t)
		}
	}
	return out
}

// Failures returns the executed tasks that failed terminally.
func (o *Outcome) Failures() []*task.Task {
	var out []*task.Task
	for _, t := range o.Executed {
		if t.Status == task.StatusFailed {
			out = append(out, t)
		}
	}
	return out
}

// Run executes queued tasks until the queue empties, a clarification
// suspends it, or the context ends. Task failures are absorbed into the
// outcome; the returned error reports store corruption or cancellation.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	base := len(e.store.CompletedTasks())
	out := &Outcome{}
	defer func() {
		out.Executed = e.store.CompletedTasks()[base:]
	}()

	for ctx.Err() == nil {
		next := e.store.NextExecutable()
		if next == nil {
			break
		}
		t, err := e.store.MarkRunning(next.ID)
		if err != nil {
			return out, err
		}

		if t.IsClarification() {
			if err := e.store.AwaitUser(t.ID); err != nil {
				return out, err
			}
			out.Question = t.Question()
			break
		}

		if err := e.step(ctx, t); err != nil {
			return out, err
		}
	}
	return out, ctx.Err()
}

// step dispatches one running task. Task-level errors are routed through
// the policy table; only store failures propagate.
func (e *Engine) step(ctx context.Context, t *task.Task) error {
	params, err := e.resolvePlaceholders(ctx, t)
	if err != nil {
		return e.handleError(ctx, t, err)
	}

	filtered, err := e.cat.ValidateParams(t.Tool, params)
	if err != nil {
		return e.handleError(ctx, t, err)
	}
	if !reflect.DeepEqual(filtered, t.Params) {
		if err := e.store.UpdateParams(t.ID, filtered); err != nil {
			return err
		}
		t.Params = filtered
	}

	timeout := e.timeout
	if t.Error != nil && t.Error.Kind == string(fault.KindTimeout) {
		// The single timeout retry runs with a doubled budget.
		timeout = 2 * e.timeout
	}

	value, err := e.conns.CallToolWithTimeout(ctx, t.Tool, filtered, timeout)
	if err != nil {
		if ctx.Err() != nil {
			// A canceled run keeps the task pending for the next start.
			return e.store.Requeue(t.ID, nil, nil)
		}
		return e.handleError(ctx, t, err)
	}

	return e.store.Complete(t.ID, value)
}

// resolvePlaceholders substitutes prior results into string params. A
// param that is exactly the previous-result token takes the result's
// native type; embedded tokens splice in the rendered text; DEPENDENCY
// pointers cost one repair-prompt call.
func (e *Engine) resolvePlaceholders(ctx context.Context, t *task.Task) (map[string]any, error) {
	if !task.HasPlaceholder(t.Params) {
		return t.Params, nil
	}

	resolved := make(map[string]any, len(t.Params))
	for k, v := range t.Params {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}

		switch {
		case task.IsPreviousResult(s):
			last, ok := e.store.LastResult()
			if !ok {
				return nil, fault.Errorf(fault.KindInvalidParams, "param %q references a previous result but none exists", k).ForTool(t.Tool)
			}
			resolved[k] = last

		case task.ContainsPreviousResult(s):
			last, ok := e.store.LastResult()
			if !ok {
				return nil, fault.Errorf(fault.KindInvalidParams, "param %q references a previous result but none exists", k).ForTool(t.Tool)
			}
			resolved[k] = strings.ReplaceAll(s, task.PreviousResultToken, renderResult(last))

		default:
			pointer, ok := task.DependencyPointer(s)
			if !ok {
				resolved[k] = v
				continue
			}
			value, err := e.resolveDependency(ctx, t, k, pointer)
			if err != nil {
				return nil, err
			}
			resolved[k] = value
		}
	}
	return resolved, nil
}

// resolveDependency turns a natural-language pointer into a concrete
// value with a single repair-prompt call.
func (e *Engine) resolveDependency(ctx context.Context, t *task.Task, param, pointer string) (any, error) {
	errInfo := task.ErrorInfo{
		Kind:    string(fault.KindInvalidParams),
		Message: fmt.Sprintf("param %q needs a concrete value for: %s", param, pointer),
	}
	r, err := e.requestRepair(ctx, t, errInfo)
	if err != nil {
		return nil, err
	}
	if r.Abort {
		return nil, fault.Errorf(fault.KindLLMError, "dependency %q could not be resolved: %s", pointer, r.Reason).ForTool(t.Tool)
	}
	value, ok := r.Params[param]
	if !ok {
		return nil, fault.Errorf(fault.KindInvalidParams, "repair supplied no value for param %q", param).ForTool(t.Tool)
	}
	slog.Debug("Dependency resolved", "task_id", t.ID, "param", param)
	return value, nil
}

// handleError applies the retry and repair policy for one failed dispatch.
// The previous failure kind is persisted on the task, which is how "at
// most once" rules survive restarts.
func (e *Engine) handleError(ctx context.Context, t *task.Task, callErr error) error {
	kind := fault.KindOf(callErr)
	errInfo := toErrorInfo(callErr)

	switch kind {
	case fault.KindUnknownTool:
		if t.Attempts >= e.maxAttempts || lastKind(t) == fault.KindUnknownTool {
			return e.fail(t, errInfo)
		}
		return e.repair(ctx, t, errInfo)

	case fault.KindInvalidParams, fault.KindToolError:
		if t.Attempts >= e.maxAttempts {
			return e.fail(t, errInfo)
		}
		return e.repair(ctx, t, errInfo)

	case fault.KindTimeout:
		if lastKind(t) == fault.KindTimeout {
			return e.fail(t, errInfo)
		}
		slog.Info("Tool call timed out, retrying once", "task_id", t.ID, "tool", t.Tool)
		return e.store.Requeue(t.ID, nil, &errInfo)

	case fault.KindTransportClosed:
		if lastKind(t) == fault.KindTransportClosed {
			return e.fail(t, errInfo)
		}
		server := ""
		if desc, rerr := e.cat.Resolve(t.Tool); rerr == nil {
			server = desc.Server
		}
		if err := e.conns.Reconnect(ctx, server); err != nil {
			slog.Warn("Reconnect failed", "server", server, "error", err)
			return e.fail(t, errInfo)
		}
		return e.store.Requeue(t.ID, nil, &errInfo)

	default:
		// decode_error, llm_error, internal: nothing a retry would change.
		return e.fail(t, errInfo)
	}
}

// repair asks the LLM for a rewritten task and requeues it. A repair that
// aborts, cannot be fetched, or cannot be parsed fails the task.
func (e *Engine) repair(ctx context.Context, t *task.Task, errInfo task.ErrorInfo) error {
	r, err := e.requestRepair(ctx, t, errInfo)
	if err != nil {
		slog.Warn("Repair unavailable", "task_id", t.ID, "tool", t.Tool, "error", err)
		return e.fail(t, errInfo)
	}
	if r.Abort {
		return e.fail(t, task.ErrorInfo{Kind: errInfo.Kind, Message: "repair aborted: " + r.Reason})
	}
	if err := e.store.ApplyRepair(t.ID, r, &errInfo); err != nil {
		return err
	}
	slog.Info("Task repaired", "task_id", t.ID, "tool", t.Tool, "kind", errInfo.Kind, "attempt", t.Attempts)
	return nil
}

func (e *Engine) requestRepair(ctx context.Context, t *task.Task, errInfo task.ErrorInfo) (*task.Repair, error) {
	var schema json.RawMessage
	if desc, rerr := e.cat.Resolve(t.Tool); rerr == nil {
		schema = desc.RawSchema()
	}
	messages := e.prompts.Repair(t, errInfo, schema, e.store.CompletedTasks(), e.cat.Render())
	text, err := e.llm.Complete(ctx, messages, llm.Options{})
	if err != nil {
		return nil, err
	}
	return task.ParseRepair(llm.ExtractJSON(text))
}

// fail records a terminal failure and skips every dependent task.
func (e *Engine) fail(t *task.Task, errInfo task.ErrorInfo) error {
	if err := e.store.Fail(t.ID, errInfo); err != nil {
		return err
	}
	_, err := e.store.SkipDependents(t.ID)
	return err
}

// lastKind returns the kind of the task's previous failure, if any.
func lastKind(t *task.Task) fault.Kind {
	if t.Error == nil {
		return ""
	}
	return fault.Kind(t.Error.Kind)
}

func toErrorInfo(err error) task.ErrorInfo {
	if fe, ok := fault.As(err); ok {
		return task.ErrorInfo{Kind: string(fe.Kind), Message: fe.Message}
	}
	return task.ErrorInfo{Kind: string(fault.KindInternal), Message: err.Error()}
}

// renderResult renders a result for embedding inside a longer string
// param. Strings embed as they are; everything else as compact JSON.
func renderResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
