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

// Package fault defines the error vocabulary shared by the runtime.
//
// Every external call (tool-server dispatch, LLM completion, plan parsing)
// resolves to either a value or an *Error carrying one of the enumerated
// kinds. The execution engine keys its retry/repair policy off the kind, so
// classification happens where the failure is observed, not where it is
// handled.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for policy decisions.
type Kind string

const (
	// KindConfig means the configuration could not be loaded or validated.
	KindConfig Kind = "config"

	// KindConnection means a tool-server process could not be started or
	// its transport could not be established.
	KindConnection Kind = "connection"

	// KindHandshake means the MCP initialize exchange failed.
	KindHandshake Kind = "handshake"

	// KindUnknownTool means no connected server exposes the requested tool.
	KindUnknownTool Kind = "unknown_tool"

	// KindInvalidParams means the arguments do not satisfy the tool's
	// declared input schema.
	KindInvalidParams Kind = "invalid_params"

	// KindToolError means the tool ran and reported a failure.
	KindToolError Kind = "tool_error"

	// KindTimeout means the call did not complete within its deadline.
	KindTimeout Kind = "timeout"

	// KindTransportClosed means the server's stdio transport broke.
	KindTransportClosed Kind = "transport_closed"

	// KindDecodeError means a response could not be decoded.
	KindDecodeError Kind = "decode_error"

	// KindLLMError means the LLM provider call failed.
	KindLLMError Kind = "llm_error"

	// KindPlanParse means the LLM output could not be parsed as a plan.
	KindPlanParse Kind = "plan_parse_error"

	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// Error is a classified runtime error. Tool is set when the failure is
// attributable to a specific tool call.
type Error struct {
	Kind    Kind
	Tool    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause stays reachable through
// errors.Is/errors.As.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// ForTool returns a copy of the error attributed to a tool name.
func (e *Error) ForTool(tool string) *Error {
	clone := *e
	clone.Tool = tool
	return &clone
}

// KindOf extracts the kind from any error. Unclassified errors report
// KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// As unwraps err into a *Error when possible.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
