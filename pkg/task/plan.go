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

package task

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kadirpekel/nestor/pkg/fault"
)

// Placeholder tokens the planner may embed in string parameter values.
// Both are preserved verbatim at parse time and resolved by the execution
// engine once the referenced results exist.
const (
	// PreviousResultToken substitutes the most recently completed
	// task's result.
	PreviousResultToken = "{{previous_result}}"

	// DependencyPrefix marks a natural-language pointer to an earlier
	// result, resolved through one repair-prompt round.
	DependencyPrefix = "DEPENDENCY:"
)

// descriptionKey is stripped from params on ingestion. Some models leak
// the task description into tool arguments.
const descriptionKey = "description"

// Plan is the document the planner model returns.
type Plan struct {
	// Tasks are the steps to execute, in order.
	Tasks []PlanTask `json:"tasks"`

	// Response is a direct answer used when Tasks is empty (greeting,
	// thanks, or a question answerable without tools).
	Response string `json:"response,omitempty"`
}

// PlanTask is one plan step before materialization.
type PlanTask struct {
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Description string         `json:"description"`
	DependsOn   []string       `json:"depends_on,omitempty"`
}

// Repair is the document the repair prompt returns: either a replacement
// task or an instruction to give up.
type Repair struct {
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Description string         `json:"description"`
	Abort       bool           `json:"abort"`
	Reason      string         `json:"reason,omitempty"`
}

// ParsePlan validates raw planner output and returns the plan. The input
// must be a JSON object with a "tasks" array; each element must carry a
// string "tool". Missing params default to an empty object, missing
// descriptions to "".
func ParsePlan(text string) (*Plan, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fault.Wrap(fault.KindPlanParse, err, "plan is not a JSON object")
	}

	rawTasks, ok := doc["tasks"]
	if !ok {
		return nil, fault.New(fault.KindPlanParse, "plan has no \"tasks\" array")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(rawTasks, &elems); err != nil {
		return nil, fault.Wrap(fault.KindPlanParse, err, "\"tasks\" is not an array")
	}

	plan := &Plan{Tasks: make([]PlanTask, 0, len(elems))}

	if rawResp, ok := doc["response"]; ok {
		if err := json.Unmarshal(rawResp, &plan.Response); err != nil {
			return nil, fault.Wrap(fault.KindPlanParse, err, "\"response\" is not a string")
		}
	}

	for i, raw := range elems {
		var pt PlanTask
		if err := json.Unmarshal(raw, &pt); err != nil {
			return nil, fault.Errorf(fault.KindPlanParse, "task %d is not an object: %v", i, err)
		}
		if pt.Tool == "" {
			return nil, fault.Errorf(fault.KindPlanParse, "task %d has no \"tool\"", i)
		}
		if pt.Params == nil {
			pt.Params = make(map[string]any)
		}
		plan.Tasks = append(plan.Tasks, pt)
	}

	return plan, nil
}

// ParseRepair validates raw repair output. A repair either names a
// replacement task or sets "abort".
func ParseRepair(text string) (*Repair, error) {
	var rep Repair
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		return nil, fault.Wrap(fault.KindPlanParse, err, "repair is not a JSON object")
	}
	if rep.Abort {
		return &rep, nil
	}
	if rep.Tool == "" {
		return nil, fault.New(fault.KindPlanParse, "repair names no tool and does not abort")
	}
	if rep.Params == nil {
		rep.Params = make(map[string]any)
	}
	return &rep, nil
}

// SchemaLookup answers which parameters a tool declares. Implemented by
// the tool catalog.
type SchemaLookup interface {
	HasTool(tool string) bool
	HasParam(tool, param string) bool
}

// Materialize turns a parsed plan into pending tasks.
//
// Params are filtered: the "description" key is always dropped, and for
// tools the catalog knows, undeclared keys are dropped too. Clarification
// tasks keep their params untouched but must carry a question. When a
// step embeds a placeholder and names no explicit dependencies, it
// depends on every earlier step of the same plan.
func Materialize(plan *Plan, schemas SchemaLookup) ([]*Task, error) {
	tasks := make([]*Task, 0, len(plan.Tasks))
	earlier := make([]string, 0, len(plan.Tasks))

	for i, pt := range plan.Tasks {
		params := filterParams(pt.Tool, pt.Params, schemas)

		if pt.Tool == ClarificationTool {
			if q, ok := params[QuestionParam].(string); !ok || q == "" {
				return nil, fault.Errorf(fault.KindPlanParse, "clarification task %d has no question", i)
			}
		}

		t := New(pt.Tool, params, pt.Description)

		if len(pt.DependsOn) > 0 {
			t.DependsOn = append([]string(nil), pt.DependsOn...)
		} else if HasPlaceholder(params) {
			t.DependsOn = append([]string(nil), earlier...)
		}

		tasks = append(tasks, t)
		earlier = append(earlier, t.ID)
	}

	return tasks, nil
}

// filterParams removes the description key and, for cataloged tools,
// any key the tool's schema does not declare.
func filterParams(tool string, params map[string]any, schemas SchemaLookup) map[string]any {
	out := make(map[string]any, len(params))
	checkSchema := tool != ClarificationTool && schemas != nil && schemas.HasTool(tool)

	for k, v := range params {
		if k == descriptionKey {
			slog.Debug("Dropped leaked description param", "tool", tool)
			continue
		}
		if checkSchema && !schemas.HasParam(tool, k) {
			slog.Debug("Dropped undeclared param", "tool", tool, "param", k)
			continue
		}
		out[k] = v
	}
	return out
}

// HasPlaceholder reports whether any string value in params carries a
// placeholder token.
func HasPlaceholder(params map[string]any) bool {
	for _, v := range params {
		if s, ok := v.(string); ok && isPlaceholder(s) {
			return true
		}
	}
	return false
}

func isPlaceholder(s string) bool {
	return strings.Contains(s, PreviousResultToken) || strings.HasPrefix(s, DependencyPrefix)
}

// IsPreviousResult reports whether s is exactly the previous-result token,
// in which case the substituted value keeps its native JSON type.
func IsPreviousResult(s string) bool {
	return s == PreviousResultToken
}

// ContainsPreviousResult reports whether s embeds the previous-result
// token inside a longer string.
func ContainsPreviousResult(s string) bool {
	return strings.Contains(s, PreviousResultToken)
}

// DependencyPointer extracts the natural-language pointer from a
// DEPENDENCY-prefixed value.
func DependencyPointer(s string) (string, bool) {
	rest, ok := strings.CutPrefix(s, DependencyPrefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
