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

// Package mcpconn spawns and supervises the MCP tool-server child
// processes.
//
// Each configured server runs as a subprocess with its stdio wired to an
// MCP client. All servers are connected once at startup; tool calls are
// serialized per server because a stdio pipe carries one request at a
// time. Failures are classified into fault kinds here; the execution
// engine owns the retry policy.
package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/nestor/pkg/catalog"
	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/textsafe"
)

const (
	clientName    = "nestor"
	clientVersion = "0.1.0"

	// DefaultCallTimeout bounds one tools/call round-trip when the
	// configuration does not say otherwise.
	DefaultCallTimeout = 30 * time.Second

	// closeTimeout bounds how long Close waits for one child to exit.
	closeTimeout = 5 * time.Second
)

// dialFunc creates the MCP client for one server. Tests substitute an
// in-process transport here.
type dialFunc func(ctx context.Context, cfg config.ServerConfig) (*client.Client, error)

// Manager owns the tool-server connections and the per-call timeout.
type Manager struct {
	servers []config.ServerConfig
	cat     *catalog.Catalog
	timeout time.Duration
	dial    dialFunc

	mu    sync.Mutex
	conns map[string]*conn
}

// conn is one live server connection.
type conn struct {
	cfg config.ServerConfig

	mu     sync.Mutex // serializes tool calls on the stdio pipe
	client *client.Client
	dead   bool
}

// New creates a manager for the configured servers. Advertised tools are
// registered into cat during Connect.
func New(servers []config.ServerConfig, cat *catalog.Catalog, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	m := &Manager{
		servers: servers,
		cat:     cat,
		timeout: timeout,
		conns:   make(map[string]*conn, len(servers)),
	}
	m.dial = dialStdio
	return m
}

// Connect starts every configured server concurrently, performs the MCP
// handshake, and registers the advertised tools in configuration order so
// that name collisions resolve deterministically. Any failure is fatal:
// already-started servers are closed and the error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	type opened struct {
		c     *conn
		tools []mcp.Tool
	}
	results := make([]opened, len(m.servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range m.servers {
		g.Go(func() error {
			cl, tools, err := m.open(gctx, srv)
			if err != nil {
				return err
			}
			results[i] = opened{c: &conn{cfg: srv, client: cl}, tools: tools}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, r := range results {
			if r.c != nil {
				r.c.close()
			}
		}
		return err
	}

	for _, r := range results {
		if err := m.cat.Register(r.c.cfg.Name, r.tools); err != nil {
			for _, rr := range results {
				rr.c.close()
			}
			return fault.Wrap(fault.KindHandshake, err,
				fmt.Sprintf("failed to register tools from server %q", r.c.cfg.Name))
		}
	}

	m.mu.Lock()
	for _, r := range results {
		m.conns[r.c.cfg.Name] = r.c
	}
	m.mu.Unlock()

	return nil
}

// open spawns one server and runs the initialize/list exchange.
func (m *Manager) open(ctx context.Context, cfg config.ServerConfig) (*client.Client, []mcp.Tool, error) {
	cl, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindConnection, err,
			fmt.Sprintf("failed to start server %q", cfg.Name))
	}

	if err := cl.Start(ctx); err != nil {
		cl.Close()
		return nil, nil, fault.Wrap(fault.KindConnection, err,
			fmt.Sprintf("failed to start server %q", cfg.Name))
	}

	tools, err := handshake(ctx, cl, cfg.Name)
	if err != nil {
		cl.Close()
		return nil, nil, err
	}

	slog.Info("Connected to tool server",
		"server", cfg.Name,
		"command", cfg.Command,
		"tools", len(tools),
	)

	return cl, tools, nil
}

// handshake runs the MCP initialize exchange and lists the server's tools.
func handshake(ctx context.Context, cl *client.Client, name string) ([]mcp.Tool, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}

	if _, err := cl.Initialize(ctx, initReq); err != nil {
		return nil, fault.Wrap(fault.KindHandshake, err,
			fmt.Sprintf("initialize failed for server %q", name))
	}

	listResp, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fault.Wrap(fault.KindHandshake, err,
			fmt.Sprintf("tools/list failed for server %q", name))
	}

	return listResp.Tools, nil
}

// dialStdio spawns the child process with its stdio wired to an MCP
// client. A configured cwd needs the command-func option; plain spawns use
// the stock constructor.
func dialStdio(_ context.Context, cfg config.ServerConfig) (*client.Client, error) {
	if cfg.Cwd == "" {
		return client.NewStdioMCPClient(cfg.Command, cfg.EnvList(), cfg.Args...)
	}
	return client.NewStdioMCPClientWithOptions(
		cfg.Command,
		cfg.EnvList(),
		cfg.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), env...)
			cmd.Dir = cfg.Cwd
			return cmd, nil
		}),
	)
}

// CallTool resolves the tool, sanitizes the arguments, and issues
// tools/call with the default per-call timeout.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return m.CallToolWithTimeout(ctx, name, args, m.timeout)
}

// CallToolWithTimeout is CallTool with an explicit deadline. The engine
// uses it to retry a timed-out call with a doubled budget.
func (m *Manager) CallToolWithTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) (any, error) {
	desc, err := m.cat.Resolve(name)
	if err != nil {
		// unknown_tool, decided locally without a round-trip.
		return nil, err
	}

	c := m.conn(desc.Server)
	if c == nil {
		return nil, fault.Errorf(fault.KindConnection,
			"server %q is not connected", desc.Server).ForTool(desc.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = desc.Name
	req.Params.Arguments = textsafe.CleanMap(args)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	cl, dead := c.client, c.dead
	if dead || cl == nil {
		c.mu.Unlock()
		return nil, fault.Errorf(fault.KindTransportClosed,
			"transport to server %q is closed", desc.Server).ForTool(desc.Name)
	}
	resp, err := cl.CallTool(callCtx, req)
	c.mu.Unlock()

	if err != nil {
		return nil, classify(callCtx, c, desc, timeout, err)
	}

	return decodeResult(desc.Name, resp)
}

// classify maps a failed round-trip to a fault kind. The context state
// decides timeouts because transports do not always preserve the error
// chain; anything else broke the pipe, so the server is marked dead.
func classify(ctx context.Context, c *conn, desc *catalog.Descriptor, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fault.Wrap(fault.KindTimeout, err,
			fmt.Sprintf("tool call did not complete within %s", timeout)).ForTool(desc.Name)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return fault.Wrap(fault.KindInternal, err, "tool call canceled").ForTool(desc.Name)
	default:
		c.markDead()
		slog.Warn("Tool server transport failed",
			"server", desc.Server,
			"tool", desc.Name,
			"error", err)
		return fault.Wrap(fault.KindTransportClosed, err,
			fmt.Sprintf("transport to server %q failed", desc.Server)).ForTool(desc.Name)
	}
}

// decodeResult normalizes one tool response. Text items are sanitized and
// joined; a payload that parses as JSON is returned decoded so numbers
// stay numeric. IsError responses become tool_error with the text payload.
func decodeResult(tool string, resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textsafe.Clean(tc.Text))
		}
	}

	if resp.IsError {
		msg := strings.Join(texts, "\n")
		if msg == "" {
			msg = "tool reported an error without a message"
		}
		return nil, fault.New(fault.KindToolError, msg).ForTool(tool)
	}

	payload := strings.Join(texts, "\n")
	if strings.TrimSpace(payload) == "" {
		// Record only the byte length; undecodable payloads must not
		// leak into logs or prompts.
		raw, _ := json.Marshal(resp.Content)
		return nil, fault.Errorf(fault.KindDecodeError,
			"response carried no decodable text content (%d raw bytes)", len(raw)).ForTool(tool)
	}

	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
		return decoded, nil
	}
	return payload, nil
}

// Reconnect replaces a dead server connection with a fresh spawn and
// handshake. The engine, not this package, decides when to invoke it.
func (m *Manager) Reconnect(ctx context.Context, server string) error {
	c := m.conn(server)
	if c == nil {
		return fault.Errorf(fault.KindConnection, "unknown server %q", server)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}

	cl, tools, err := m.open(ctx, c.cfg)
	if err != nil {
		return err
	}

	if err := m.cat.Register(c.cfg.Name, tools); err != nil {
		cl.Close()
		return fault.Wrap(fault.KindHandshake, err,
			fmt.Sprintf("failed to register tools from server %q", c.cfg.Name))
	}

	c.client = cl
	c.dead = false

	slog.Info("Reconnected to tool server", "server", server, "tools", len(tools))
	return nil
}

// Close terminates every child, waiting up to closeTimeout per process.
// The first error wins; the rest are closed regardless.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ServerStatus reports one server's liveness.
type ServerStatus struct {
	Name      string
	Command   string
	Connected bool
}

// Status lists the configured servers in configuration order.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, srv := range m.servers {
		st := ServerStatus{Name: srv.Name, Command: srv.Command}
		if c, ok := m.conns[srv.Name]; ok {
			c.mu.Lock()
			st.Connected = c.client != nil && !c.dead
			c.mu.Unlock()
		}
		out = append(out, st)
	}
	return out
}

// conn returns the connection for a server name, nil when absent.
func (m *Manager) conn(server string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[server]
}

func (c *conn) markDead() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

// close shuts one connection down. A child that does not exit within
// closeTimeout is abandoned to process teardown.
func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	cl := c.client
	c.client = nil
	c.dead = true

	done := make(chan error, 1)
	go func() { done <- cl.Close() }()

	select {
	case err := <-done:
		return err
	case <-time.After(closeTimeout):
		slog.Warn("Tool server did not exit in time", "server", c.cfg.Name)
		return nil
	}
}
