package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/kvs/pkg/engine"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("SET"),
	readline.PcItem("GET"),
	readline.PcItem("RM"),
	readline.PcItem("KEYS"),
	readline.PcItem("COMPACT"),
)

const helpText = `
kvs - a log-structured key/value store

Commands:
  .help                   - Show this help message
  .stats                  - Show store statistics
  .exit                   - Exit the shell

  SET key value           - Store a value; everything after the key is the value
  GET key                 - Retrieve a value by key
  RM key                  - Remove a key
  KEYS                    - List every live key
  COMPACT                 - Rewrite live records and delete stale segments
`

// runShell starts an interactive readline session against eng
func runShell(eng *engine.Engine, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "kvs version %s\n", version)
	fmt.Fprintln(stdout, "Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".kvs_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("kvs:%s> ", eng.Dir()),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
		Stdout:          stdout,
		Stderr:          stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if readErr == io.EOF {
				fmt.Fprintln(stdout, "Goodbye!")
				return nil
			}
			return fmt.Errorf("failed to read input: %w", readErr)
		}

		if exit := execLine(eng, line, stdout); exit {
			return nil
		}
	}
}

// execLine runs one shell line and reports whether the shell should exit
func execLine(eng *engine.Engine, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	// Special dot commands
	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(out, helpText)
		case ".exit":
			return true
		case ".stats":
			printStats(eng, out)
		default:
			fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
		}
		return false
	}

	switch cmd {
	case "SET":
		if len(parts) < 3 {
			fmt.Fprintln(out, "Error: SET requires a key and a value")
			return false
		}
		if err := eng.Set(parts[1], strings.Join(parts[2:], " ")); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(out, "OK")

	case "GET":
		if len(parts) != 2 {
			fmt.Fprintln(out, "Error: GET requires a key")
			return false
		}
		value, found, err := eng.Get(parts[1])
		switch {
		case err != nil:
			fmt.Fprintf(out, "Error: %v\n", err)
		case !found:
			fmt.Fprintln(out, "Key not found")
		default:
			fmt.Fprintln(out, value)
		}

	case "RM":
		if len(parts) != 2 {
			fmt.Fprintln(out, "Error: RM requires a key")
			return false
		}
		err := eng.Remove(parts[1])
		switch {
		case errors.Is(err, engine.ErrKeyNotFound):
			fmt.Fprintln(out, "Key not found")
		case err != nil:
			fmt.Fprintf(out, "Error: %v\n", err)
		default:
			fmt.Fprintln(out, "OK")
		}

	case "KEYS":
		keys := eng.Keys()
		for _, key := range keys {
			fmt.Fprintln(out, key)
		}
		fmt.Fprintf(out, "(%d keys)\n", len(keys))

	case "COMPACT":
		start := time.Now()
		if err := eng.Compact(); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "Compacted in %s\n", time.Since(start).Round(time.Microsecond))

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
	}

	return false
}

// printStats writes the engine statistics in sorted key order
func printStats(eng *engine.Engine, out io.Writer) {
	stats := eng.Stats()

	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch v := stats[key].(type) {
		case map[string]interface{}:
			fmt.Fprintf(out, "%s:\n", key)
			printNested(out, v)
		case map[string]uint64:
			if len(v) == 0 {
				continue
			}
			fmt.Fprintf(out, "%s:\n", key)
			nested := make(map[string]interface{}, len(v))
			for k, n := range v {
				nested[k] = n
			}
			printNested(out, nested)
		default:
			fmt.Fprintf(out, "  %-28s %v\n", key, v)
		}
	}
}

func printNested(out io.Writer, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "    %-26s %v\n", key, m[key])
	}
}
