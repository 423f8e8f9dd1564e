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

package store

import (
	"log/slog"
	"time"

	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/task"
	"github.com/kadirpekel/nestor/pkg/textsafe"
)

// Every transition below persists before returning, so the on-disk state
// is never behind the in-memory one when the next suspension point runs.

// AddPending appends a task to the pending queue.
func (s *Store) AddPending(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}

	t = t.Clone()
	t.Status = task.StatusPending
	s.pending = append(s.pending, t)
	if err := s.savePendingLocked(); err != nil {
		return err
	}

	slog.Debug("Task added", "task_id", t.ID, "tool", t.Tool)
	return nil
}

// PendingTasks returns copies of the pending queue in order.
func (s *Store) PendingTasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.pending)
}

// CompletedTasks returns copies of the finished tasks in completion order.
func (s *Store) CompletedTasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.completed)
}

// PendingCount returns the number of queued tasks.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HasAwaiting reports whether a clarification blocks the queue.
func (s *Store) HasAwaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingLocked() != nil
}

// AwaitingTask returns a copy of the task awaiting a user reply, or nil.
func (s *Store) AwaitingTask() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.awaitingLocked(); t != nil {
		return t.Clone()
	}
	return nil
}

// NextExecutable returns a copy of the queue head, or nil when the queue
// is empty or blocked by an awaiting_user task.
func (s *Store) NextExecutable() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || s.awaitingLocked() != nil {
		return nil
	}
	return s.pending[0].Clone()
}

// MarkRunning transitions the queue head to running and bumps its attempt
// counter. Exactly one task may be running at a time.
func (s *Store) MarkRunning(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return nil, err
	}

	for _, t := range s.pending {
		if t.Status == task.StatusRunning {
			return nil, fault.Errorf(fault.KindInternal, "task %s is already running", t.ID)
		}
	}
	t, err := s.headLocked(id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t.Status = task.StatusRunning
	t.Attempts++
	t.StartedAt = &now
	if err := s.savePendingLocked(); err != nil {
		return nil, err
	}
	if err := s.setCurrentLocked(t.ID); err != nil {
		return nil, err
	}

	slog.Debug("Task running", "task_id", t.ID, "tool", t.Tool, "attempt", t.Attempts)
	return t.Clone(), nil
}

// UpdateParams replaces the params of a queued task, persisting the
// resolved or repaired values.
func (s *Store) UpdateParams(id string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	t := s.findPendingLocked(id)
	if t == nil {
		return fault.Errorf(fault.KindInternal, "task %s is not pending", id)
	}
	t.Params = params
	return s.savePendingLocked()
}

// Complete records a result and moves the task to the completed list.
func (s *Store) Complete(id string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	t, err := s.removePendingLocked(id)
	if err != nil {
		return err
	}

	now := time.Now()
	t.Status = task.StatusCompleted
	t.Result = textsafe.CleanValue(result)
	t.Error = nil
	t.FinishedAt = &now
	s.completed = append(s.completed, t)
	s.session.TasksCompleted++

	if err := s.flushQueuesLocked(); err != nil {
		return err
	}
	if err := s.saveSessionLocked(); err != nil {
		return err
	}

	slog.Debug("Task completed", "task_id", t.ID, "tool", t.Tool, "attempts", t.Attempts)
	return nil
}

// Fail records a terminal error and moves the task to the completed list.
func (s *Store) Fail(id string, errInfo task.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	t, err := s.removePendingLocked(id)
	if err != nil {
		return err
	}

	now := time.Now()
	t.Status = task.StatusFailed
	t.Error = &task.ErrorInfo{Kind: errInfo.Kind, Message: textsafe.Clean(errInfo.Message)}
	t.FinishedAt = &now
	s.completed = append(s.completed, t)

	if err := s.flushQueuesLocked(); err != nil {
		return err
	}

	slog.Warn("Task failed", "task_id", t.ID, "tool", t.Tool, "kind", errInfo.Kind, "error", errInfo.Message)
	return nil
}

// Requeue puts the running task back at the head of the queue as pending,
// optionally with rewritten params, keeping the error for repair context.
func (s *Store) Requeue(id string, params map[string]any, lastErr *task.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	t, err := s.headLocked(id)
	if err != nil {
		return err
	}

	t.Status = task.StatusPending
	if params != nil {
		t.Params = params
	}
	if lastErr != nil {
		t.Error = &task.ErrorInfo{Kind: lastErr.Kind, Message: textsafe.Clean(lastErr.Message)}
	}
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	if err := s.setCurrentLocked(""); err != nil {
		return err
	}

	slog.Debug("Task requeued", "task_id", t.ID, "tool", t.Tool, "attempts", t.Attempts)
	return nil
}

// ApplyRepair rewrites the running task from a repair outcome and returns
// it to the head of the queue as pending. Empty repair fields keep the
// task's current values, so a params-only repair leaves the tool alone.
func (s *Store) ApplyRepair(id string, r *task.Repair, lastErr *task.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	t, err := s.headLocked(id)
	if err != nil {
		return err
	}

	t.Status = task.StatusPending
	if r.Tool != "" {
		t.Tool = r.Tool
	}
	if r.Params != nil {
		t.Params = r.Params
	}
	if r.Description != "" {
		t.Description = r.Description
	}
	if lastErr != nil {
		t.Error = &task.ErrorInfo{Kind: lastErr.Kind, Message: textsafe.Clean(lastErr.Message)}
	}
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	if err := s.setCurrentLocked(""); err != nil {
		return err
	}

	slog.Debug("Task rewritten by repair", "task_id", t.ID, "tool", t.Tool, "attempts", t.Attempts)
	return nil
}

// AwaitUser parks the running clarification task until the user replies.
// The marker survives restarts, so a resumed session lands back in the
// same awaiting state.
func (s *Store) AwaitUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	t, err := s.headLocked(id)
	if err != nil {
		return err
	}

	t.Status = task.StatusAwaitingUser
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	if err := s.setCurrentLocked(""); err != nil {
		return err
	}

	slog.Debug("Task awaiting user", "task_id", t.ID, "question", t.Question())
	return nil
}

// AnswerClarification completes the awaiting task with the user's reply
// as its result, unblocking the queue.
func (s *Store) AnswerClarification(answer string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return nil, err
	}
	t := s.awaitingLocked()
	if t == nil {
		return nil, fault.New(fault.KindInternal, "no task is awaiting a reply")
	}

	if _, err := s.removePendingLocked(t.ID); err != nil {
		return nil, err
	}
	now := time.Now()
	t.Status = task.StatusCompleted
	t.Result = textsafe.Clean(answer)
	t.FinishedAt = &now
	s.completed = append(s.completed, t)
	s.session.TasksCompleted++

	if err := s.flushQueuesLocked(); err != nil {
		return nil, err
	}
	if err := s.saveSessionLocked(); err != nil {
		return nil, err
	}

	slog.Debug("Clarification answered", "task_id", t.ID)
	return t.Clone(), nil
}

// Skip marks the given task skipped and cascades to every pending task
// that depends on it, directly or through other skipped tasks. Returns
// copies of the skipped tasks in queue order.
func (s *Store) Skip(id string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return nil, err
	}
	if s.findPendingLocked(id) == nil {
		return nil, fault.Errorf(fault.KindInternal, "task %s is not pending", id)
	}
	return s.skipCascadeLocked(id, true)
}

// SkipDependents cascades a skip to tasks depending on the given id
// without touching the task itself (it already failed or was skipped).
func (s *Store) SkipDependents(id string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return nil, err
	}
	return s.skipCascadeLocked(id, false)
}

// PauseAll reverts any running task to pending and marks the session
// paused. Pending and awaiting_user tasks keep their status on disk so a
// later start resumes them.
func (s *Store) PauseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}

	for _, t := range s.pending {
		if t.Status == task.StatusRunning {
			t.Status = task.StatusPending
		}
	}
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	if err := s.setCurrentLocked(""); err != nil {
		return err
	}
	s.session.Status = SessionPaused
	if err := s.saveSessionLocked(); err != nil {
		return err
	}

	slog.Info("Session paused", "session_id", s.session.ID, "pending", len(s.pending))
	return nil
}

// ResumePaused reactivates a paused session.
func (s *Store) ResumePaused() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	if s.session.Status != SessionPaused {
		return nil
	}
	s.session.Status = SessionActive
	s.session.LastActivity = time.Now()
	return s.saveSessionLocked()
}

// LastResult returns the result of the most recently completed task.
func (s *Store) LastResult() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.completed) - 1; i >= 0; i-- {
		if s.completed[i].Status == task.StatusCompleted {
			return s.completed[i].Result, true
		}
	}
	return nil, false
}

// ResultOf returns the result of a specific completed task.
func (s *Store) ResultOf(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.completed {
		if t.ID == id && t.Status == task.StatusCompleted {
			return t.Result, true
		}
	}
	return nil, false
}

// Stats summarizes queue and session counters for the stats command.
type Stats struct {
	SessionID     string
	Requests      int
	Pending       int
	AwaitingUser  bool
	Completed     int
	Failed        int
	Skipped       int
	TotalAttempts int
}

// Summary computes current stats.
func (s *Store) Summary() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Pending: len(s.pending)}
	if s.session != nil {
		st.SessionID = s.session.ID
		st.Requests = s.session.Requests
	}
	st.AwaitingUser = s.awaitingLocked() != nil
	for _, t := range s.completed {
		switch t.Status {
		case task.StatusCompleted:
			st.Completed++
		case task.StatusFailed:
			st.Failed++
		case task.StatusSkipped:
			st.Skipped++
		}
		st.TotalAttempts += t.Attempts
	}
	return st
}

func (s *Store) awaitingLocked() *task.Task {
	for _, t := range s.pending {
		if t.Status == task.StatusAwaitingUser {
			return t
		}
	}
	return nil
}

func (s *Store) findPendingLocked(id string) *task.Task {
	for _, t := range s.pending {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// headLocked returns the queue head, which must match the given id.
func (s *Store) headLocked(id string) (*task.Task, error) {
	if len(s.pending) == 0 {
		return nil, fault.New(fault.KindInternal, "pending queue is empty")
	}
	if s.pending[0].ID != id {
		return nil, fault.Errorf(fault.KindInternal, "task %s is not at the queue head", id)
	}
	return s.pending[0], nil
}

func (s *Store) removePendingLocked(id string) (*task.Task, error) {
	for i, t := range s.pending {
		if t.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return t, nil
		}
	}
	return nil, fault.Errorf(fault.KindInternal, "task %s is not pending", id)
}

// skipCascadeLocked marks the root (optionally) and every transitive
// pending dependent as skipped, moving them to the completed list.
func (s *Store) skipCascadeLocked(rootID string, includeRoot bool) ([]*task.Task, error) {
	skippedIDs := map[string]bool{rootID: true}
	var skipped []*task.Task

	for {
		moved := false
		for _, t := range s.pending {
			shouldSkip := includeRoot && t.ID == rootID
			if !shouldSkip {
				for _, dep := range t.DependsOn {
					if skippedIDs[dep] {
						shouldSkip = true
						break
					}
				}
			}
			if !shouldSkip {
				continue
			}

			removed, err := s.removePendingLocked(t.ID)
			if err != nil {
				return nil, err
			}
			now := time.Now()
			removed.Status = task.StatusSkipped
			removed.FinishedAt = &now
			s.completed = append(s.completed, removed)
			skippedIDs[removed.ID] = true
			skipped = append(skipped, removed)
			moved = true
			break
		}
		if !moved {
			break
		}
	}

	if len(skipped) == 0 {
		return nil, nil
	}
	if err := s.flushQueuesLocked(); err != nil {
		return nil, err
	}

	for _, t := range skipped {
		slog.Info("Task skipped", "task_id", t.ID, "tool", t.Tool)
	}
	return cloneTasks(skipped), nil
}

// flushQueuesLocked persists both task files.
func (s *Store) flushQueuesLocked() error {
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	if err := s.saveCompletedLocked(); err != nil {
		return err
	}
	return s.setCurrentLocked("")
}

func cloneTasks(tasks []*task.Task) []*task.Task {
	out := make([]*task.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
