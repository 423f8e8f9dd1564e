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

// Package task defines the unit of work the runtime tracks.
//
// A Task is one intended tool invocation produced from an LLM plan. This
// package implements:
//   - The task record and its status lifecycle
//   - Plan parsing and validation of raw LLM output
//   - Parameter filtering against declared tool schemas
//   - Placeholder detection for cross-task result references
//
// Tasks are plain data. Status transitions are persisted by the state
// store and driven by the execution engine.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task is queued and not yet started.
	StatusPending Status = "pending"

	// StatusRunning means the task is currently executing.
	StatusRunning Status = "running"

	// StatusAwaitingUser means the task is paused on a clarification
	// question and blocks the queue until the user replies.
	StatusAwaitingUser Status = "awaiting_user"

	// StatusCompleted means the task finished with a result.
	StatusCompleted Status = "completed"

	// StatusFailed means the task exhausted its attempts.
	StatusFailed Status = "failed"

	// StatusSkipped means the user skipped the task or a dependency
	// was skipped.
	StatusSkipped Status = "skipped"
)

// IsTerminal returns whether this status permits no more transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ClarificationTool is the reserved pseudo-tool name whose execution is
// "ask the user". It never reaches a tool server.
const ClarificationTool = "CLARIFICATION"

// QuestionParam is the parameter every clarification task carries.
const QuestionParam = "question"

// ErrorInfo records the last error observed on a task.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is one intended tool invocation tracked through its lifecycle.
type Task struct {
	// ID is stable within a session.
	ID string `json:"task_id"`

	// Tool is a catalog tool name, or ClarificationTool.
	Tool string `json:"tool"`

	// Params are the tool arguments. String values may carry
	// placeholders resolved at execution time.
	Params map[string]any `json:"params"`

	// Description is a short human-readable summary. It is never a
	// member of Params.
	Description string `json:"description,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Result is set when the task completes.
	Result any `json:"result,omitempty"`

	// Error records the last failure, if any.
	Error *ErrorInfo `json:"error,omitempty"`

	// Attempts counts execution attempts, incremented each time the
	// task starts running.
	Attempts int `json:"attempts"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// DependsOn lists earlier task ids whose results may be
	// substituted into Params.
	DependsOn []string `json:"depends_on,omitempty"`
}

// New creates a pending task with a fresh id.
func New(tool string, params map[string]any, description string) *Task {
	if params == nil {
		params = make(map[string]any)
	}
	return &Task{
		ID:          uuid.New().String(),
		Tool:        tool,
		Params:      params,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
}

// NewClarification creates a pending clarification task for a question.
func NewClarification(question string) *Task {
	return New(ClarificationTool, map[string]any{QuestionParam: question}, "ask the user")
}

// IsClarification reports whether this task is the ask-the-user pseudo-tool.
func (t *Task) IsClarification() bool {
	return t.Tool == ClarificationTool
}

// Question returns the clarification question, or "" for ordinary tasks.
func (t *Task) Question() string {
	if q, ok := t.Params[QuestionParam].(string); ok {
		return q
	}
	return ""
}

// DependsOnID reports whether the task depends on the given task id.
func (t *Task) DependsOnID(id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy with its own params map. Result and error
// values are shared.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Params = make(map[string]any, len(t.Params))
	for k, v := range t.Params {
		cp.Params[k] = v
	}
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}
