// Package nestor provides a terminal agent runtime for MCP tool servers.
//
// Nestor mediates between a natural-language user, an LLM, and a fleet of
// tool servers speaking the Model Context Protocol over stdio. Given a
// free-form request it asks the LLM for a plan expressed as tool
// invocations, executes the plan serially against the configured servers,
// repairs failures with LLM guidance, and pauses to ask the user a
// clarifying question when information is missing. All session,
// conversation, and task state is persisted atomically so a killed process
// resumes where it left off.
//
// # Quick Start
//
// Install:
//
//	go install github.com/kadirpekel/nestor/cmd/nestor@latest
//
// Create a configuration:
//
//	connection:
//	  servers:
//	    - name: calc
//	      command: ./calculator
//	llm:
//	  provider: openai
//	  model: gpt-4o-mini
//
// Ask a question in one-shot mode:
//
//	LLM_API_KEY=... nestor --config nestor.yaml "add 100 and 200"
//
// Or start the REPL by running nestor without a request.
//
// # Packages
//
//	import (
//	    "github.com/kadirpekel/nestor/pkg/agent"    // session orchestrator
//	    "github.com/kadirpekel/nestor/pkg/mcpconn"  // tool-server connections
//	    "github.com/kadirpekel/nestor/pkg/config"   // configuration
//	)
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package nestor
