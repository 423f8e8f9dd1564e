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

package instructions

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the current instructions text fresh as the file changes
// on disk. Edits swap the text atomically; deleting the file swaps in
// the empty string, the same as never having instructions.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu   sync.RWMutex
	text string
}

// NewWatcher loads the file and starts watching its directory. The
// directory is watched instead of the file so atomic save-and-rename
// editors keep triggering events.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	text, err := Load(abs)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: abs, fsw: fsw, text: text}
	go w.loop()

	slog.Debug("Watching custom instructions", "path", abs)
	return w, nil
}

// Current returns the most recently loaded instructions text.
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.text
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("Instructions watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	text, err := Load(w.path)
	if err != nil {
		slog.Warn("Could not reload custom instructions", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := text != w.text
	w.text = text
	w.mu.Unlock()

	if changed {
		slog.Info("Custom instructions reloaded", "path", w.path, "bytes", len(text))
	}
}
