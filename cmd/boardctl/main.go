// Command boardctl normalizes a persisted board snapshot and prints the view
// a GM or a player would get after loading it.
//
// Usage:
//
//	boardctl board.json                  # GM view, JSON
//	boardctl -player board.json          # player view
//	boardctl -format yaml - < board.json # read stdin, print YAML
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tablesync/board"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "boardctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("boardctl", flag.ContinueOnError)
	player := fs.Bool("player", false, "print the player view")
	folder := fs.String("folder", "Players", "name of the token folder players may see")
	format := fs.String("format", "json", "output format: json or yaml")
	at := fs.String("at", "", "RFC 3339 time used to expire pings (default: now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: boardctl [-player] [-folder name] [-format json|yaml] [-at time] <file|->")
	}

	now := time.Now()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		now = t
	}

	data, err := readInput(fs.Arg(0), stdin)
	if err != nil {
		return err
	}
	snap := board.Decode(data)
	snap.User.IsGM = !*player

	store := board.NewStore(
		board.WithClock(func() time.Time { return now }),
		board.WithPlayerFolder(*folder),
	)
	store.Initialize(snap)
	return write(stdout, store.State(), *format)
}

func readInput(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func write(w io.Writer, snap board.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		// Round-trip through JSON so YAML keys match the persisted field names.
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(normalizeNumbers(doc)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// normalizeNumbers turns json.Number values into int64 or float64 so YAML
// prints them unquoted.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	default:
		return v
	}
}
