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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kadirpekel/nestor/pkg/textsafe"
)

// Role is the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one conversation record. Seq increases monotonically within a
// session, surviving compaction.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendConversation sanitizes text and appends one entry to the log.
// When the file would cross the size ceiling, the oldest quarter of the
// entries is first compacted into a single system summary entry.
func (s *Store) AppendConversation(role Role, text string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSessionLocked(); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Role:      role,
		Text:      textsafe.Clean(text),
		Seq:       s.nextSeq,
		Timestamp: time.Now(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal conversation entry: %w", err)
	}
	line = append(line, '\n')

	if s.convSize+int64(len(line)) > s.convMaxBytes {
		if err := s.compactConversationLocked(); err != nil {
			return Entry{}, err
		}
	}

	f, err := os.OpenFile(s.conversationFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open conversation log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("failed to append conversation entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("failed to close conversation log: %w", err)
	}

	s.convSize += int64(len(line))
	s.nextSeq++
	s.session.LastActivity = entry.Timestamp
	return entry, nil
}

// Conversation returns every entry in write order.
func (s *Store) Conversation() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return nil, err
	}
	entries, _, err := readConversation(s.conversationFile())
	return entries, err
}

// RecentConversation returns the last n entries in write order.
func (s *Store) RecentConversation(n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return nil, err
	}
	entries, _, err := readConversation(s.conversationFile())
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// compactConversationLocked folds the oldest quarter of the log into one
// summary entry and rewrites the file atomically.
func (s *Store) compactConversationLocked() error {
	entries, _, err := readConversation(s.conversationFile())
	if err != nil {
		return err
	}
	if len(entries) < 2 {
		return nil
	}

	q := len(entries) / 4
	if q < 1 {
		q = 1
	}
	compacted, rest := entries[:q], entries[q:]

	summary := Entry{
		Role: RoleSystem,
		Text: summarizeEntries(compacted),
		// Keep seq ordering intact: the summary stands in for the
		// last compacted entry.
		Seq:       compacted[len(compacted)-1].Seq,
		Timestamp: time.Now(),
	}

	var buf bytes.Buffer
	for _, e := range append([]Entry{summary}, rest...) {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal compacted entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := writeFileAtomic(s.conversationFile(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to rewrite conversation log: %w", err)
	}
	s.convSize = int64(buf.Len())

	slog.Info("Compacted conversation log",
		"session_id", s.session.ID,
		"compacted", len(compacted),
		"remaining", len(rest)+1)
	return nil
}

// summarizeEntries renders a compact digest of dropped entries.
func summarizeEntries(entries []Entry) string {
	const (
		perEntry = 60
		maxTotal = 2000
	)
	var b bytes.Buffer
	fmt.Fprintf(&b, "[summary of %d earlier entries] ", len(entries))
	for i, e := range entries {
		if i > 0 {
			b.WriteString(" | ")
		}
		text := e.Text
		if len(text) > perEntry {
			text = text[:perEntry] + "…"
		}
		fmt.Fprintf(&b, "%s: %s", e.Role, text)
		if b.Len() > maxTotal {
			b.WriteString(" …")
			break
		}
	}
	return textsafe.Clean(b.String())
}

// readConversation loads all entries and reports the file size in bytes.
// A missing file is an empty log. Unparseable lines (a torn tail after a
// crash) are skipped.
func readConversation(path string) ([]Entry, int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read conversation log: %w", err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultConversationMaxBytes+(1<<20))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("Skipping unparseable conversation line", "path", path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan conversation log: %w", err)
	}
	return entries, int64(len(data)), nil
}
