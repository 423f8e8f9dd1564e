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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// Reserved REPL words. Anything else is a request for the agent, or the
// answer to a pending clarification.
const replHelp = `Commands:
  stats              queue and session counters
  report             full session report
  reset              drop all pending tasks
  remember <k> <v>   store a session-memory fact
  esc                skip the pending clarification
  quit | exit        archive the session and leave
Anything else is sent to the agent.`

// runREPL is the interactive loop. A clarification question takes over
// the prompt until it is answered or skipped with Esc.
func runREPL(ctx context.Context, rt *runtime) error {
	printBanner()
	fmt.Printf("Session %s | %d tool(s) | type 'help' for commands\n\n",
		rt.store.SessionID(), rt.catalog.Len())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if question, ok := rt.agent.Awaiting(); ok {
			fmt.Printf("? %s\n> ", question)
		} else {
			fmt.Print("nestor> ")
		}

		if !scanner.Scan() {
			fmt.Println()
			return rt.agent.Close()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue

		case line == "quit" || line == "exit":
			fmt.Println("Bye.")
			return rt.agent.Close()

		case line == "help":
			fmt.Println(replHelp)

		case line == "stats":
			printStats(rt)

		case line == "report":
			fmt.Println(rt.agent.Report())

		case line == "reset":
			reply, err := rt.agent.Reset()
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println(reply)

		case strings.HasPrefix(line, "remember "):
			if err := remember(rt, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case line == "\x1b" || strings.EqualFold(line, "esc"):
			if _, ok := rt.agent.Awaiting(); !ok {
				fmt.Println("Nothing to skip.")
				continue
			}
			reply, err := rt.agent.SkipAwaiting(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println(reply)

		default:
			reply, err := rt.agent.ProcessRequest(ctx, line)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println(reply)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// remember parses "remember <key> <value...>" and stores the fact.
func remember(rt *runtime, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("usage: remember <key> <value>")
	}
	key := fields[1]
	value := strings.Join(fields[2:], " ")
	if err := rt.agent.Remember(key, value); err != nil {
		return err
	}
	fmt.Printf("Remembered %s.\n", key)
	return nil
}

func printStats(rt *runtime) {
	st := rt.agent.Stats()
	fmt.Printf("requests=%d pending=%d completed=%d failed=%d skipped=%d attempts=%d",
		st.Requests, st.Pending, st.Completed, st.Failed, st.Skipped, st.TotalAttempts)
	if st.AwaitingUser {
		fmt.Print(" awaiting_user=true")
	}
	fmt.Println()
}

// printBanner prints a colored banner on terminals, in nestor green.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"

	banner := `
███╗   ██╗███████╗███████╗████████╗ ██████╗ ██████╗
████╗  ██║██╔════╝██╔════╝╚══██╔══╝██╔═══██╗██╔══██╗
██╔██╗ ██║█████╗  ███████╗   ██║   ██║   ██║██████╔╝
██║╚██╗██║██╔══╝  ╚════██║   ██║   ██║   ██║██╔══██╗
██║ ╚████║███████╗███████║   ██║   ╚██████╔╝██║  ██║
╚═╝  ╚═══╝╚══════╝╚══════╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝
`
	fmt.Printf("%s%s%s\n", greenColor, banner, resetColor)
}
