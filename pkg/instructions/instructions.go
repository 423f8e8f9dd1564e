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

// Package instructions loads the optional AGENT.md custom instructions
// file and renders its placeholders from session memory.
//
// Placeholder syntax:
//
//	{key}   - resolves from session memory; missing keys are an error
//	{key?}  - optional; missing keys render as the empty string
//
// Anything between braces that is not a plain identifier is left in the
// text untouched.
package instructions

import (
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/textsafe"
)

// placeholderRegex matches {key}, {key?}, and runs of braces around them.
var placeholderRegex = regexp.MustCompile(`{+[^{}]*}+`)

// Load reads a custom instructions file. A missing file means no
// instructions, not an error.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fault.Wrap(fault.KindConfig, err, "could not read custom instructions")
	}
	return strings.TrimSpace(string(data)), nil
}

// Render resolves memory placeholders in the instructions text using
// scan-and-rebuild, so untouched text is copied through verbatim.
func Render(text string, memory map[string]any) (string, error) {
	if text == "" {
		return "", nil
	}

	var result strings.Builder
	last := 0
	for _, span := range placeholderRegex.FindAllStringIndex(text, -1) {
		start, end := span[0], span[1]
		result.WriteString(text[last:start])

		replacement, err := replaceMatch(text[start:end], memory)
		if err != nil {
			return "", err
		}
		result.WriteString(replacement)
		last = end
	}
	result.WriteString(text[last:])
	return result.String(), nil
}

// replaceMatch resolves a single placeholder match against memory.
func replaceMatch(match string, memory map[string]any) (string, error) {
	key := strings.TrimSpace(strings.Trim(match, "{}"))

	optional := strings.HasSuffix(key, "?")
	key = strings.TrimSuffix(key, "?")

	if !isIdentifier(key) {
		// Not a memory reference; keep the literal text.
		return match, nil
	}

	value, ok := memory[key]
	if !ok || value == nil {
		if optional {
			return "", nil
		}
		return "", fault.Errorf(fault.KindConfig, "instructions reference unknown memory key %q", key)
	}
	return textsafe.String(value), nil
}

// isIdentifier reports whether s starts with a letter or underscore and
// continues with letters, digits, or underscores.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return false
			}
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
