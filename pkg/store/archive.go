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
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kadirpekel/nestor/pkg/task"
)

// archiveDoc bundles everything needed to resurrect a closed session.
type archiveDoc struct {
	Session      *Session     `json:"session"`
	Conversation []Entry      `json:"conversation"`
	Pending      []*task.Task `json:"pending"`
	Completed    []*task.Task `json:"completed"`
}

// Archive closes the session: the full state moves into a single bundle
// under history/ and the live directory is removed. Initialize with the
// same id restores it.
func (s *Store) Archive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}

	entries, _, err := readConversation(s.conversationFile())
	if err != nil {
		return err
	}

	s.session.Status = SessionClosed
	s.session.LastActivity = time.Now()

	doc := archiveDoc{
		Session:      s.session,
		Conversation: entries,
		Pending:      s.pending,
		Completed:    s.completed,
	}
	if doc.Pending == nil {
		doc.Pending = []*task.Task{}
	}
	if doc.Completed == nil {
		doc.Completed = []*task.Task{}
	}

	if err := writeJSONAtomic(s.archiveFile(s.session.ID), doc); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.RemoveAll(s.sessionDir(s.session.ID)); err != nil {
		return fmt.Errorf("failed to remove live session dir: %w", err)
	}

	slog.Info("Session archived",
		"session_id", s.session.ID,
		"pending", len(doc.Pending),
		"completed", len(doc.Completed))
	return nil
}

// restoreFromArchiveLocked rebuilds a live session directory from its
// archive bundle. Returns false when no archive exists. The archive file
// is removed only after the live directory is complete, so a crash in
// between leaves a recoverable state.
func (s *Store) restoreFromArchiveLocked(id string) (bool, error) {
	data, err := os.ReadFile(s.archiveFile(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read archive: %w", err)
	}

	var doc archiveDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to parse archive for session %s: %w", id, err)
	}
	if doc.Session == nil {
		return false, fmt.Errorf("archive for session %s has no session record", id)
	}

	dir := s.sessionDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0o755); err != nil {
		return false, fmt.Errorf("failed to create session dir: %w", err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, "session.json"), doc.Session); err != nil {
		return false, err
	}

	var buf bytes.Buffer
	for _, e := range doc.Conversation {
		line, err := json.Marshal(e)
		if err != nil {
			return false, fmt.Errorf("failed to marshal conversation entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(filepath.Join(dir, "conversation.txt"), buf.Bytes(), 0o644); err != nil {
		return false, err
	}

	pending := doc.Pending
	if pending == nil {
		pending = []*task.Task{}
	}
	if err := writeJSONAtomic(filepath.Join(dir, "tasks", "pending.json"), pending); err != nil {
		return false, err
	}
	completed := doc.Completed
	if completed == nil {
		completed = []*task.Task{}
	}
	if err := writeJSONAtomic(filepath.Join(dir, "tasks", "completed.json"), completed); err != nil {
		return false, err
	}
	if err := writeFileAtomic(filepath.Join(dir, "tasks", "current.txt"), nil, 0o644); err != nil {
		return false, err
	}

	if err := os.Remove(s.archiveFile(id)); err != nil {
		return false, fmt.Errorf("failed to remove archive after restore: %w", err)
	}

	slog.Info("Session restored from archive", "session_id", id, "pending", len(pending))
	return true, nil
}
