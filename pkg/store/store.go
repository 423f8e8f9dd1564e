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

// Package store persists session, conversation, and task state on disk so
// a killed process can resume where it left off.
//
// Layout under the base directory:
//
//	sessions/<id>/session.json        session record
//	sessions/<id>/conversation.txt    one JSON entry per line
//	sessions/<id>/tasks/pending.json  ordered pending queue
//	sessions/<id>/tasks/completed.json ordered finished tasks
//	sessions/<id>/tasks/current.txt   id of the running task
//	history/<id>.json                 archived session bundle
//
// Structured files are written via temp file + rename so a crash never
// leaves a half-written document. Conversation lines are appended with a
// single write each; a torn tail line is dropped on read.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/task"
	"github.com/kadirpekel/nestor/pkg/textsafe"
)

// DefaultConversationMaxBytes is the conversation.txt size ceiling. When
// an append would cross it, the oldest quarter of the entries is
// compacted into one summary entry.
const DefaultConversationMaxBytes = 10 << 20

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionClosed SessionStatus = "closed"
)

// Session is the persistent record of one user dialogue.
type Session struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Status       SessionStatus `json:"status"`

	// Memory holds user-declared facts ("user_name" and friends),
	// stashed by the orchestrator and read during prompt assembly.
	Memory map[string]any `json:"memory,omitempty"`

	// Requests counts user requests issued this session.
	Requests int `json:"requests"`

	// TasksCompleted counts tasks that reached completed status.
	TasksCompleted int `json:"tasks_completed"`
}

// Store owns the on-disk state of exactly one session at a time.
// All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	base string

	session   *Session
	pending   []*task.Task
	completed []*task.Task

	nextSeq  int
	convSize int64

	// convMaxBytes is a field so tests can force compaction cheaply.
	convMaxBytes int64
}

// New creates a store rooted at base. No files are touched until
// Initialize.
func New(base string) *Store {
	return &Store{
		base:         base,
		convMaxBytes: DefaultConversationMaxBytes,
	}
}

// NewSessionID returns a fresh timestamp-suffixed session id.
func NewSessionID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("sess-%s-%s", ts, uuid.NewString()[:8])
}

// Initialize opens or creates the session with the given id. An empty id
// creates a fresh session. A known id reopens the live directory, or
// restores it from the archive when the session was closed. A task left
// running by a crash is reset to pending.
func (s *Store) Initialize(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = NewSessionID()
	}

	liveDir := s.sessionDir(id)
	if _, err := os.Stat(liveDir); err == nil {
		if err := s.loadLocked(id); err != nil {
			return nil, err
		}
	} else if restored, err := s.restoreFromArchiveLocked(id); err != nil {
		return nil, err
	} else if restored {
		if err := s.loadLocked(id); err != nil {
			return nil, err
		}
	} else {
		if err := s.createLocked(id); err != nil {
			return nil, err
		}
	}

	// Crash recovery: a task recorded as running never finished.
	if err := s.recoverRunningLocked(); err != nil {
		return nil, err
	}

	s.session.Status = SessionActive
	s.session.LastActivity = time.Now()
	if err := s.saveSessionLocked(); err != nil {
		return nil, err
	}

	slog.Info("Session initialized",
		"session_id", s.session.ID,
		"pending", len(s.pending),
		"completed", len(s.completed))

	snapshot := *s.session
	return &snapshot, nil
}

// Session returns a copy of the current session record.
func (s *Store) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}
	}
	return *s.session
}

// SessionID returns the current session id, or "".
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

// Remember stashes a user-declared fact in session memory.
func (s *Store) Remember(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	if s.session.Memory == nil {
		s.session.Memory = make(map[string]any)
	}
	s.session.Memory[textsafe.Clean(key)] = textsafe.CleanValue(value)
	return s.saveSessionLocked()
}

// Recall returns a fact from session memory.
func (s *Store) Recall(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.Memory == nil {
		return nil, false
	}
	v, ok := s.session.Memory[key]
	return v, ok
}

// Memory returns a copy of the session memory map.
func (s *Store) Memory() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any)
	if s.session != nil {
		for k, v := range s.session.Memory {
			out[k] = v
		}
	}
	return out
}

// IncRequests bumps the user-request counter.
func (s *Store) IncRequests() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	s.session.Requests++
	s.session.LastActivity = time.Now()
	return s.saveSessionLocked()
}

// ListSessions returns the ids of live sessions under the base dir.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ListArchived returns the ids of archived sessions.
func (s *Store) ListArchived() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, "history"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// sessionDir returns the live directory for a session id.
func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.base, "sessions", id)
}

func (s *Store) sessionFile() string {
	return filepath.Join(s.sessionDir(s.session.ID), "session.json")
}

func (s *Store) conversationFile() string {
	return filepath.Join(s.sessionDir(s.session.ID), "conversation.txt")
}

func (s *Store) pendingFile() string {
	return filepath.Join(s.sessionDir(s.session.ID), "tasks", "pending.json")
}

func (s *Store) completedFile() string {
	return filepath.Join(s.sessionDir(s.session.ID), "tasks", "completed.json")
}

func (s *Store) currentFile() string {
	return filepath.Join(s.sessionDir(s.session.ID), "tasks", "current.txt")
}

func (s *Store) archiveFile(id string) string {
	return filepath.Join(s.base, "history", id+".json")
}

func (s *Store) requireSessionLocked() error {
	if s.session == nil {
		return fault.New(fault.KindInternal, "store not initialized")
	}
	return nil
}

// createLocked sets up a fresh session directory.
func (s *Store) createLocked(id string) error {
	now := time.Now()
	s.session = &Session{
		ID:        id,
		CreatedAt: now,
		Status:    SessionActive,
	}
	s.pending = nil
	s.completed = nil
	s.nextSeq = 0
	s.convSize = 0

	if err := os.MkdirAll(filepath.Join(s.sessionDir(id), "tasks"), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	if err := s.saveCompletedLocked(); err != nil {
		return err
	}
	return s.setCurrentLocked("")
}

// loadLocked reads an existing session directory into memory. Absent
// files mean empty state.
func (s *Store) loadLocked(id string) error {
	s.session = &Session{ID: id}
	if err := readJSON(filepath.Join(s.sessionDir(id), "session.json"), s.session); err != nil {
		return err
	}
	if s.session.ID == "" {
		s.session.ID = id
	}

	s.pending = nil
	if err := readJSON(s.pendingFile(), &s.pending); err != nil {
		return err
	}
	s.completed = nil
	if err := readJSON(s.completedFile(), &s.completed); err != nil {
		return err
	}

	entries, size, err := readConversation(s.conversationFile())
	if err != nil {
		return err
	}
	s.convSize = size
	s.nextSeq = 0
	if n := len(entries); n > 0 {
		s.nextSeq = entries[n-1].Seq + 1
	}
	return nil
}

// recoverRunningLocked resets a crash-interrupted running task to pending.
func (s *Store) recoverRunningLocked() error {
	current, err := s.readCurrentLocked()
	if err != nil {
		return err
	}
	changed := false
	for _, t := range s.pending {
		if t.Status == task.StatusRunning {
			t.Status = task.StatusPending
			changed = true
			slog.Warn("Recovered interrupted task", "task_id", t.ID, "tool", t.Tool)
		}
	}
	if changed {
		if err := s.savePendingLocked(); err != nil {
			return err
		}
	}
	if current != "" {
		return s.setCurrentLocked("")
	}
	return nil
}

func (s *Store) saveSessionLocked() error {
	return writeJSONAtomic(s.sessionFile(), s.session)
}

func (s *Store) savePendingLocked() error {
	tasks := s.pending
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return writeJSONAtomic(s.pendingFile(), tasks)
}

func (s *Store) saveCompletedLocked() error {
	tasks := s.completed
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return writeJSONAtomic(s.completedFile(), tasks)
}

func (s *Store) setCurrentLocked(id string) error {
	return writeFileAtomic(s.currentFile(), []byte(id), 0o644)
}

func (s *Store) readCurrentLocked() (string, error) {
	data, err := os.ReadFile(s.currentFile())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current task marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// readJSON loads a JSON file into out. A missing file leaves out as-is.
func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic marshals v and writes it via temp file + rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// writeFileAtomic writes data to path through a temp file in the same
// directory followed by a rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
