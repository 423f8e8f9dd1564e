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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/nestor/pkg/config"
)

// SchemaCmd generates JSON Schema from the config structs, for editor
// completion and external validators. Output goes to stdout so it can be
// redirected.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Config keys are yaml-tagged; unknown keys fail the load, so the
		// schema mirrors that.
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref) for simpler consumers
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://github.com/kadirpekel/nestor/schemas/config.json"
	schema.Title = "Nestor Configuration Schema"
	schema.Description = "Complete configuration schema for the nestor agent runtime"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"connection": map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{
						"name":    "calc",
						"command": "./calculator",
					},
				},
			},
			"llm": map[string]interface{}{
				"provider": "openai",
				"model":    "gpt-4o-mini",
				"api_key":  "${LLM_API_KEY}",
			},
			"agent": map[string]interface{}{
				"max_attempts":         3,
				"tool_timeout_seconds": 30,
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
