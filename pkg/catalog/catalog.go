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

// Package catalog indexes the tools reported by connected MCP servers.
//
// The catalog is the runtime's single source of truth for which tools
// exist, which server owns each one, and what parameters they accept.
// Tool names are claimed first come first served: when two servers
// report the same name, the earlier registration wins and the duplicate
// is logged and skipped, so configuration order decides ownership.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/task"
)

// ParamSpec describes one parameter declared by a tool's input schema.
type ParamSpec struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Descriptor is a registered tool plus the server that owns it. Name is
// the bare tool name exactly as the server reports it, which is also
// the name sent back over the wire on a call.
type Descriptor struct {
	Name        string
	Server      string
	Description string
	Params      []ParamSpec

	schema *jsonschema.Schema
	raw    json.RawMessage
}

// RawSchema returns the tool's input schema as reported by the server.
func (d *Descriptor) RawSchema() json.RawMessage {
	return d.raw
}

func (d *Descriptor) declares(param string) bool {
	for _, p := range d.Params {
		if p.Name == param {
			return true
		}
	}
	return false
}

// Catalog maps tool names to descriptors across all connected servers.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
	order []string
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*Descriptor)}
}

// Register indexes the tools one server reports. A name already owned
// by the same server is refreshed in place, which is what happens after
// a reconnect. A name owned by another server is kept as is and the
// duplicate is skipped with a warning.
func (c *Catalog) Register(server string, tools []mcp.Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range tools {
		t := &tools[i]

		if prev, ok := c.tools[t.Name]; ok && prev.Server != server {
			slog.Warn("Duplicate tool name ignored",
				"tool", t.Name,
				"server", server,
				"owned_by", prev.Server,
			)
			continue
		}

		desc, err := describe(server, t)
		if err != nil {
			return fmt.Errorf("failed to register tool %q from server %q: %w", t.Name, server, err)
		}

		if _, ok := c.tools[t.Name]; !ok {
			c.order = append(c.order, t.Name)
		}
		c.tools[t.Name] = desc
	}

	return nil
}

// describe compiles a reported tool into a descriptor. The input schema
// is compiled once here so calls only pay for validation.
func describe(server string, t *mcp.Tool) (*Descriptor, error) {
	raw := t.RawInputSchema
	if len(raw) == 0 {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input schema: %w", err)
		}
		raw = data
	}

	schema, err := jsonschema.CompileString(t.Name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile input schema: %w", err)
	}

	return &Descriptor{
		Name:        t.Name,
		Server:      server,
		Description: t.Description,
		Params:      extractParams(raw),
		schema:      schema,
		raw:         raw,
	}, nil
}

// extractParams pulls the property list out of a JSON Schema document.
// Only the object-level properties matter for filtering and rendering;
// nested shapes are left to the compiled schema.
func extractParams(raw json.RawMessage) []ParamSpec {
	var doc struct {
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	required := make(map[string]bool, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = true
	}

	params := make([]ParamSpec, 0, len(doc.Properties))
	for name, prop := range doc.Properties {
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "any"
		}
		desc, _ := prop["description"].(string)
		params = append(params, ParamSpec{
			Name:        name,
			Type:        typ,
			Description: desc,
			Required:    required[name],
		})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	return params
}

// Lookup returns the descriptor registered under the exact name.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[name]
	return d, ok
}

// Resolve maps a planned tool name to its descriptor. Exact names win;
// a "server.tool" form is accepted when the prefix names the server
// that owns the bare tool, since planner output uses that notation.
func (c *Catalog) Resolve(name string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if d := c.resolveLocked(name); d != nil {
		return d, nil
	}
	return nil, fault.Errorf(fault.KindUnknownTool, "no connected server exposes %q", name).ForTool(name)
}

func (c *Catalog) resolveLocked(name string) *Descriptor {
	if d, ok := c.tools[name]; ok {
		return d
	}
	if server, bare, ok := strings.Cut(name, "."); ok {
		if d, ok := c.tools[bare]; ok && d.Server == server {
			return d
		}
	}
	return nil
}

// HasTool reports whether a planned tool name resolves to a registered
// tool. Accepts both bare and server-qualified names.
func (c *Catalog) HasTool(tool string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveLocked(tool) != nil
}

// HasParam reports whether the tool's input schema declares the
// parameter.
func (c *Catalog) HasParam(tool, param string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.resolveLocked(tool)
	return d != nil && d.declares(param)
}

// Names returns the registered tool names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Render formats the catalog for a planner prompt, one tool per line:
//
//	calc.add(a: number (required), b: number (required)) - Add two numbers
func (c *Catalog) Render() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lines := make([]string, 0, len(c.order))
	for _, name := range c.order {
		lines = append(lines, renderLine(c.tools[name]))
	}
	return strings.Join(lines, "\n")
}

func renderLine(d *Descriptor) string {
	var b strings.Builder
	b.WriteString(d.Server)
	b.WriteByte('.')
	b.WriteString(d.Name)
	b.WriteByte('(')
	for i, p := range d.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		b.WriteString(": ")
		b.WriteString(p.Type)
		if p.Required {
			b.WriteString(" (required)")
		}
	}
	b.WriteByte(')')
	if d.Description != "" {
		b.WriteString(" - ")
		b.WriteString(d.Description)
	}
	return b.String()
}

// ValidateParams resolves the tool and checks params against its input
// schema before any server round-trip. Keys the schema does not declare
// are dropped rather than rejected, since models routinely attach extra
// arguments. Missing required params and type mismatches are errors.
// Returns the filtered params.
func (c *Catalog) ValidateParams(tool string, params map[string]any) (map[string]any, error) {
	d, err := c.Resolve(tool)
	if err != nil {
		return nil, err
	}

	filtered := make(map[string]any, len(params))
	for k, v := range params {
		if !d.declares(k) {
			slog.Debug("Dropped undeclared param", "tool", d.Name, "param", k)
			continue
		}
		filtered[k] = v
	}

	for _, p := range d.Params {
		if p.Required {
			if _, ok := filtered[p.Name]; !ok {
				return nil, fault.Errorf(fault.KindInvalidParams, "missing required param %q", p.Name).ForTool(d.Name)
			}
		}
	}

	if d.schema != nil {
		// Round-trip through JSON so Go integers become the float64
		// values the validator expects.
		data, err := json.Marshal(filtered)
		if err != nil {
			return nil, fault.Errorf(fault.KindInvalidParams, "params are not JSON-encodable: %v", err).ForTool(d.Name)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fault.Errorf(fault.KindInvalidParams, "params are not JSON-decodable: %v", err).ForTool(d.Name)
		}
		if err := d.schema.Validate(decoded); err != nil {
			return nil, fault.Errorf(fault.KindInvalidParams, "params do not match the declared schema: %v", err).ForTool(d.Name)
		}
	}

	return filtered, nil
}

// The catalog is the schema oracle for plan materialization.
var _ task.SchemaLookup = (*Catalog)(nil)
