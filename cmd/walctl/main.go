// Package main implements walctl, an inspection tool for hqwal log directories.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hqlite/hqwal/pkg/raftwalfs"
	"github.com/hqlite/hqwal/pkg/walstore"
)

const usage = `Usage:
  walctl [--dir <dir>] [--config <file>] state
  walctl [--dir <dir>] [--config <file>] vote
  walctl [--dir <dir>] [--config <file>] dump [--from N] [--until M]
  walctl [--dir <dir>] [--config <file>] segments

The directory lock is taken for the duration of the command, so walctl
fails fast while a node has the log open.

Flags:
  --dir         Log directory (overrides the config file and HQWAL_DIR)
  --config      YAML or TOML store config
  --log-level   debug | info | warn | error (default warn)
  --log-format  text | json (default text)
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, walstore.ErrLocked) {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v (is a node running on this directory?)\n", err)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("walctl", flag.ContinueOnError)
	fs.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	dir := fs.String("dir", "", "log directory")
	configPath := fs.String("config", "", "store config file")
	logLevel := fs.String("log-level", "warn", "log level")
	logFormat := fs.String("log-format", "text", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	slog.SetDefault(newLogger(*logLevel, *logFormat))

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: state | vote | dump | segments")
	}

	cfg, err := loadConfig(*configPath, *dir)
	if err != nil {
		return err
	}
	storeOpts, err := cfg.Options()
	if err != nil {
		return err
	}

	switch rest[0] {
	case "state", "vote", "segments":
		if len(rest) != 1 {
			return fmt.Errorf("usage: %s", rest[0])
		}
	case "dump":
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}

	logs, err := raftwalfs.Open(cfg.Dir, raftwalfs.WithStoreOptions(storeOpts...))
	if err != nil {
		return err
	}
	defer func() { _ = logs.Shutdown() }()

	switch rest[0] {
	case "state":
		return cmdState(out, logs)
	case "vote":
		return cmdVote(out, logs)
	case "segments":
		return cmdSegments(out, logs.Store())
	default:
		return cmdDump(out, logs, rest[1:])
	}
}

func loadConfig(path, dir string) (walstore.Config, error) {
	cfg := walstore.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = walstore.LoadConfig(path); err != nil {
			return walstore.Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return walstore.Config{}, err
	}
	if dir != "" {
		cfg.Dir = dir
	}
	return cfg, nil
}

func cmdState(out io.Writer, logs *raftwalfs.LogStorage) error {
	st, err := logs.GetLogState()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "last_purged: %s\n", formatLogID(st.LastPurged))
	_, _ = fmt.Fprintf(out, "last_log:    %s\n", formatLogID(st.LastLog))
	return nil
}

func cmdVote(out io.Writer, logs *raftwalfs.LogStorage) error {
	v, err := logs.ReadVote()
	if err != nil {
		return err
	}
	if v == nil {
		_, _ = fmt.Fprintln(out, "vote: none")
		return nil
	}
	_, _ = fmt.Fprintf(out, "term: %d\nnode: %d\ncommitted: %t\n", v.Term, v.NodeID, v.Committed)
	return nil
}

func cmdDump(out io.Writer, logs *raftwalfs.LogStorage, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	from := fs.Uint64("from", 0, "first index")
	until := fs.Uint64("until", 0, "exclusive end index, 0 means through the last entry")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return fmt.Errorf("usage: dump [--from N] [--until M]")
	}

	end := *until
	if end == 0 {
		st, err := logs.GetLogState()
		if err != nil {
			return err
		}
		if st.LastLog == nil {
			return nil
		}
		end = st.LastLog.Index + 1
	}
	if end <= *from {
		return fmt.Errorf("empty range [%d, %d)", *from, end)
	}

	entries, err := logs.TryGetLogEntries(*from, end)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INDEX\tTERM\tTYPE\tSIZE\tDATA")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n", e.Index, e.Term, e.Type, len(e.Data), preview(e.Data))
	}
	return w.Flush()
}

func cmdSegments(out io.Writer, store *walstore.Store) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WAL\tFIRST\tLAST\tRECORDS\tBYTES\tSEALED")
	for _, seg := range store.Segments() {
		_, _ = fmt.Fprintf(w, "%020d\t%d\t%d\t%d\t%d\t%t\n",
			seg.WalNo, seg.FirstIndex, seg.LastIndex, seg.Records, seg.Bytes, seg.Sealed)
	}
	return w.Flush()
}

func formatLogID(id *raftwalfs.LogID) string {
	if id == nil {
		return "none"
	}
	return id.String()
}

const previewLen = 32

func preview(data []byte) string {
	if len(data) == 0 {
		return "-"
	}
	n := min(len(data), previewLen)
	printable := true
	for _, b := range data[:n] {
		if b < 0x20 || b > 0x7e {
			printable = false
			break
		}
	}
	var s string
	if printable {
		s = fmt.Sprintf("%q", data[:n])
	} else {
		s = fmt.Sprintf("%x", data[:n])
	}
	if len(data) > n {
		s += "..."
	}
	return s
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
