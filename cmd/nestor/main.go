// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nestor is the agent runtime CLI.
//
// Usage:
//
//	nestor --config nestor.yaml "Add 100 and 200"
//	nestor --config nestor.yaml              (interactive session)
//	nestor validate nestor.yaml
//	nestor schema > config.schema.json
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/kadirpekel/nestor"
	"github.com/kadirpekel/nestor/pkg/agent"
	"github.com/kadirpekel/nestor/pkg/catalog"
	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/instructions"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/logger"
	"github.com/kadirpekel/nestor/pkg/mcpconn"
	"github.com/kadirpekel/nestor/pkg/store"
)

// Exit codes: 0 success, 1 configuration or connection failure, 2 task
// execution failure.
const (
	exitConfig = 1
	exitTasks  = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" default:"withargs" help:"Process a request, or start the interactive session when none is given."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	Session   string `short:"s" help:"Session id to open or resume (default: newest live session, else a new one)."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
	Mock      bool   `help:"Use the mock LLM provider regardless of config."`
}

// exitError carries a process exit code through kong's Run.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.msg
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(nestor.GetVersion().String())
	return nil
}

// RunCmd processes one request or runs the interactive session.
type RunCmd struct {
	Request []string `arg:"" optional:"" help:"Request text; omit to start the interactive session."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	// Ctrl-C freezes the queue so the session resumes where it stopped.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Interrupted, pausing session")
		_ = rt.agent.Pause()
		_ = rt.manager.Close()
		cancel()
		os.Exit(0)
	}()

	request := strings.TrimSpace(strings.Join(c.Request, " "))
	if request != "" {
		return oneShot(ctx, rt, request)
	}

	switch rt.cfg.UI.Mode {
	case config.UIModeOneshot:
		return pipedShot(ctx, rt)
	case config.UIModeREPL:
		return runREPL(ctx, rt)
	default: // auto: interactive on a terminal, piped request otherwise
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return runREPL(ctx, rt)
		}
		return pipedShot(ctx, rt)
	}
}

// oneShot answers a single request and exits. The session stays live, so
// a clarification question can be answered by the next invocation.
func oneShot(ctx context.Context, rt *runtime, request string) error {
	reply, err := rt.agent.ProcessRequest(ctx, request)
	if err != nil {
		return &exitError{code: exitTasks, msg: err.Error()}
	}
	fmt.Println(reply)

	if rt.agent.Stats().Failed > 0 {
		return &exitError{code: exitTasks}
	}
	return nil
}

// pipedShot reads the request from stdin, for use in pipelines.
func pipedShot(ctx context.Context, rt *runtime) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read request from stdin: %w", err)
	}
	request := strings.TrimSpace(string(data))
	if request == "" {
		return fmt.Errorf("no request given: pass it as an argument or on stdin")
	}
	return oneShot(ctx, rt, request)
}

// runtime bundles the wired services for one CLI invocation.
type runtime struct {
	cfg     *config.Config
	agent   *agent.Agent
	manager *mcpconn.Manager
	store   *store.Store
	catalog *catalog.Catalog
	cleanup func()
}

// buildRuntime loads configuration, opens the session store, connects the
// tool servers, and assembles the agent.
func buildRuntime(ctx context.Context, cli *CLI) (*runtime, error) {
	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return nil, err
	}

	var closers []func()
	if loader != nil {
		closers = append(closers, func() { _ = loader.Close() })
	}

	if cli.Mock {
		cfg.LLM.Provider = config.ProviderMock
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = client.Close() })

	st := store.New(sessionBase(cfg))
	sess, err := st.Initialize(resolveSession(st, cli.Session))
	if err != nil {
		return nil, err
	}

	cat := catalog.New()
	manager := mcpconn.New(cfg.Connection.Servers, cat, cfg.Agent.ToolTimeout())
	if err := manager.Connect(ctx); err != nil {
		runCleanups(closers)
		return nil, err
	}

	source, closeSource := instructionSource(cfg.Agent.CustomInstructionsPath)
	if closeSource != nil {
		closers = append(closers, closeSource)
	}

	a, err := agent.New(agent.Config{
		Store:        st,
		Catalog:      cat,
		Connections:  manager,
		LLM:          client,
		Agent:        cfg.Agent,
		Instructions: source,
	})
	if err != nil {
		_ = manager.Close()
		runCleanups(closers)
		return nil, err
	}

	slog.Info("Runtime ready",
		"session", sess.ID,
		"servers", len(cfg.Connection.Servers),
		"tools", cat.Len(),
		"model", client.Model())

	return &runtime{
		cfg:     cfg,
		agent:   a,
		manager: manager,
		store:   st,
		catalog: cat,
		cleanup: func() { runCleanups(closers) },
	}, nil
}

func runCleanups(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// loadConfig reads the config file, or falls back to defaults (mock-less,
// server-less) when no path is given.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("no --config given and defaults are not usable: %w", err)
		}
		slog.Info("No config file, using defaults")
		return cfg, nil, nil
	}

	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, loader, nil
}

// sessionBase resolves the store directory: config value, else ~/.nestor.
func sessionBase(cfg *config.Config) string {
	if cfg.Session.Dir != "" {
		return cfg.Session.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nestor"
	}
	return filepath.Join(home, ".nestor")
}

// resolveSession picks the session to open: the explicit flag, else the
// newest live session, else a fresh one.
func resolveSession(st *store.Store, flag string) string {
	if flag != "" {
		return flag
	}
	live, err := st.ListSessions()
	if err != nil || len(live) == 0 {
		return ""
	}
	// Ids embed a UTC timestamp, so the lexically last is the newest.
	return live[len(live)-1]
}

// instructionSource builds the custom-instructions source. A watcher keeps
// the text fresh while the session runs; when watching fails the file is
// read once.
func instructionSource(path string) (agent.InstructionSource, func()) {
	if path == "" {
		return agent.Static(""), nil
	}
	w, err := instructions.NewWatcher(path)
	if err != nil {
		slog.Warn("Instructions watch unavailable, reading once", "path", path, "error", err)
		text, lerr := instructions.Load(path)
		if lerr != nil {
			slog.Warn("Instructions unreadable", "path", path, "error", lerr)
			return agent.Static(""), nil
		}
		return agent.Static(text), nil
	}
	return w, func() { _ = w.Close() }
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("nestor"),
		kong.Description("nestor - an agent runtime bridging an LLM and MCP tool servers"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(exitConfig)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)

	err = kctx.Run(&cli)
	var xerr *exitError
	if errors.As(err, &xerr) {
		if xerr.msg != "" {
			fmt.Fprintf(os.Stderr, "nestor: error: %s\n", xerr.msg)
		}
		os.Exit(xerr.code)
	}
	kctx.FatalIfErrorf(err)
}
