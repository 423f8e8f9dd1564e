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

// Package textsafe guarantees that text crossing a process or transport
// boundary is valid UTF-8 with no unpaired surrogate code units.
//
// Tool-server subprocess output on some host encodings carries lone
// surrogates (U+D800..U+DFFF) smuggled as three-byte sequences; they pass
// silently through plain string handling and then break JSON serialization
// downstream. Clean rewrites them according to the active Policy and
// replaces any other ill-formed byte with U+FFFD.
package textsafe

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Policy selects how unpaired surrogates are rewritten.
type Policy string

const (
	// PolicyReplace substitutes '?' for each surrogate code unit.
	PolicyReplace Policy = "replace"

	// PolicyIgnore drops surrogate code units.
	PolicyIgnore Policy = "ignore"

	// PolicyEscape spells each surrogate as a \uXXXX literal.
	PolicyEscape Policy = "escape"
)

// EnvPolicy is the environment variable that selects the default policy.
const EnvPolicy = "SURROGATE_POLICY"

var defaultPolicy = PolicyFromEnv()

// PolicyFromEnv reads EnvPolicy, falling back to PolicyReplace.
func PolicyFromEnv() Policy {
	switch Policy(strings.ToLower(os.Getenv(EnvPolicy))) {
	case PolicyIgnore:
		return PolicyIgnore
	case PolicyEscape:
		return PolicyEscape
	default:
		return PolicyReplace
	}
}

// SetPolicy overrides the package default. Returns the previous policy.
func SetPolicy(p Policy) Policy {
	prev := defaultPolicy
	defaultPolicy = p
	return prev
}

// Clean returns s as valid UTF-8 with surrogates rewritten per the default
// policy. Well-formed input is returned unchanged without allocation.
func Clean(s string) string {
	return CleanWith(s, defaultPolicy)
}

// CleanWith is Clean with an explicit policy.
func CleanWith(s string, p Policy) string {
	if utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size > 1 {
			// Paranoia: a decoded surrogate cannot normally occur, but a
			// hand-built rune slice could smuggle one through conversion.
			if utf16.IsSurrogate(r) {
				writeSurrogate(&b, uint16(r), p)
			} else {
				b.WriteString(s[i : i+size])
			}
			i += size
			continue
		}

		// Ill-formed byte. Surrogates arrive as the three-byte sequence
		// ED A0..BF 80..BF; consume it whole so one code unit maps to one
		// replacement. A high unit immediately followed by its low partner
		// is a smuggled pair and decodes back to the real character.
		if cu, n := decodeSurrogate(s[i:]); n > 0 {
			if cu < 0xDC00 {
				if cu2, n2 := decodeSurrogate(s[i+n:]); n2 > 0 && cu2 >= 0xDC00 {
					b.WriteRune(utf16.DecodeRune(rune(cu), rune(cu2)))
					i += n + n2
					continue
				}
			}
			writeSurrogate(&b, cu, p)
			i += n
			continue
		}
		b.WriteRune(utf8.RuneError)
		i++
	}
	return b.String()
}

// decodeSurrogate recognizes a UTF-8-style encoding of a surrogate code
// unit at the start of s and returns the code unit and byte length.
func decodeSurrogate(s string) (uint16, int) {
	if len(s) < 3 {
		return 0, 0
	}
	b0, b1, b2 := s[0], s[1], s[2]
	if b0 != 0xED || b1 < 0xA0 || b1 > 0xBF || b2 < 0x80 || b2 > 0xBF {
		return 0, 0
	}
	cu := uint16(b0&0x0F)<<12 | uint16(b1&0x3F)<<6 | uint16(b2&0x3F)
	return cu, 3
}

func writeSurrogate(b *strings.Builder, cu uint16, p Policy) {
	switch p {
	case PolicyIgnore:
	case PolicyEscape:
		fmt.Fprintf(b, `\u%04X`, cu)
	default:
		b.WriteByte('?')
	}
}

// String converts any value to a surrogate-safe string. Strings and byte
// slices are cleaned directly; scalars format canonically; everything else
// round-trips through JSON.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return Clean(x)
	case []byte:
		return Clean(string(x))
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return Clean(x.String())
	case error:
		return Clean(x.Error())
	}
	if raw, err := json.Marshal(v); err == nil {
		return Clean(string(raw))
	}
	return Clean(fmt.Sprintf("%v", v))
}

// CleanValue sanitizes every string reachable inside a decoded JSON value,
// recursing through maps and arrays. Non-string leaves pass through.
func CleanValue(v any) any {
	switch x := v.(type) {
	case string:
		return Clean(x)
	case map[string]any:
		return CleanMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = CleanValue(e)
		}
		return out
	default:
		return v
	}
}

// CleanMap sanitizes all string values inside a params-style map. The input
// map is not modified.
func CleanMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[Clean(k)] = CleanValue(v)
	}
	return out
}
