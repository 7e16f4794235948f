// Package main is the entry point for relayctl, the relay maintenance CLI.
// It replays transcript files offline and manages the search index directly,
// without going through a running relayd.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/index"
	"github.com/relaydev/relay/internal/transcript"
)

const maxTranscriptLine = 4 * 1024 * 1024

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "replay":
		err = runReplay(os.Args[2:])
	case "index":
		err = runIndex(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: relayctl <command> [flags] [args]

Commands:
  replay <file.jsonl>   Render a transcript file as markdown
                        (--events prints the event log instead)
  index [dir ...]       Scan transcript roots into the search index
  search <query>        Search indexed transcript messages
                        (--session <id>, --limit <n>)
  stats                 Show search index statistics

index, search and stats accept --config <path> to point at a config file
or directory; otherwise the default locations are used.
`)
}

// newCLILogger keeps informational noise off stdout so command output
// stays pipeable.
func newCLILogger() (*logger.Logger, error) {
	return logger.NewLogger(logger.LoggingConfig{
		Level:      "warn",
		Format:     "console",
		OutputPath: "stderr",
	})
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	events := fs.Bool("events", false, "print the event log instead of rendered markdown")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: relayctl replay [--events] <file.jsonl>")
	}

	lines, err := readTranscript(fs.Arg(0))
	if err != nil {
		return err
	}

	log, err := newCLILogger()
	if err != nil {
		return err
	}

	proc := transcript.NewProcessor(nil, log)
	evs := proc.ProcessBatch(lines)

	if *events {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range evs {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	view := transcript.NewViewState()
	for _, ev := range evs {
		view.Apply(ev)
	}
	fmt.Println(view.Render())
	return nil
}

// readTranscript parses a whole file with the same lenient line handling as
// the live watcher: blank lines and malformed JSON are skipped.
func readTranscript(path string) ([]*transcript.Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []*transcript.Line
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line, err := transcript.ParseLine(raw)
		if err != nil {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// openIndex builds an index service over the configured database. roots may
// be nil for read-only commands.
func openIndex(cfg *config.Config, roots []string, log *logger.Logger) (*index.Service, func() error, error) {
	pool, cleanup, err := db.Open(cfg.Index, log)
	if err != nil {
		return nil, nil, err
	}
	repo, err := index.NewRepository(context.Background(), pool, log)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	scanner := index.NewScanner(repo, roots, log)
	return index.NewService(repo, scanner, nil, log), cleanup, nil
}

func runIndex(args []string) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file or directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return err
	}

	roots := fs.Args()
	if len(roots) == 0 {
		roots = cfg.Index.Roots
	}
	if len(roots) == 0 {
		return errors.New("no transcript roots: pass directories as arguments or set index.roots")
	}

	log, err := newCLILogger()
	if err != nil {
		return err
	}
	svc, cleanup, err := openIndex(cfg, roots, log)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := svc.Rescan(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d file(s), skipped %d unchanged, %d line(s) in %dms\n",
		resp.FilesScanned, resp.FilesSkipped, resp.LinesIndexed, resp.DurationMs)
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file or directory")
	session := fs.String("session", "", "limit results to one session id")
	limit := fs.Int("limit", 20, "maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: relayctl search [--session <id>] [--limit <n>] <query>")
	}
	query := strings.Join(fs.Args(), " ")

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return err
	}
	log, err := newCLILogger()
	if err != nil {
		return err
	}
	svc, cleanup, err := openIndex(cfg, nil, log)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := svc.Search(context.Background(), query, *session, *limit)
	if err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Println("No matches.")
		return nil
	}

	for _, r := range resp.Results {
		header := fmt.Sprintf("%s  %s:%d", r.SessionID, r.Path, r.LineNo)
		if !r.Timestamp.IsZero() {
			header = r.Timestamp.Format("2006-01-02 15:04:05") + "  " + header
		}
		if r.IsError {
			header += "  [error]"
		}
		fmt.Println(header)
		fmt.Printf("    %s: %s\n", r.Role, excerpt(r.Text))
	}
	fmt.Printf("\n%d result(s)\n", resp.Count)
	return nil
}

// excerpt clips a message to its first line, capped for terminal output.
func excerpt(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 160
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file or directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return err
	}
	log, err := newCLILogger()
	if err != nil {
		return err
	}
	svc, cleanup, err := openIndex(cfg, nil, log)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := svc.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Messages:      %d\n", stats.Messages)
	fmt.Printf("Sessions:      %d\n", stats.Sessions)
	fmt.Printf("Active (24h):  %d\n", stats.RecentActive)
	if stats.LastScan != nil {
		fmt.Printf("Last scan:     %s\n", stats.LastScan.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Last scan:     never\n")
	}
	printCounts("By role:", stats.ByRole)
	printCounts("By version:", stats.ByVersion)
	return nil
}

func printCounts(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println(title)
	for _, k := range keys {
		fmt.Printf("  %-14s %d\n", k, counts[k])
	}
}
