package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `newsgraph - news knowledge graph pipeline (%s)

USAGE:
  %s <command> [options]

COMMANDS:
  ingest <file.jsonl>         Ingest extracted documents (SimHash dedup)
  candidates entities|events  Generate merge candidates and enqueue reviews
  review run                  Adjudicate queued tasks with the LLM pool
                              Flags: -type, -max, -rate
  review stats                Queue statistics
  review failed               List failed tasks (-type, -limit)
  review replay <task-id>     Return a failed task to pending
  review requeue              Requeue stale running tasks (-minutes)
  review e2e                  Enqueue, review and apply entity merges
  review breakers [-reset]    Show or close provider circuit breakers
  apply entities|events       Apply stored decisions to the graph (-max)
  snapshot [-type T]          Write graph snapshots (GE, GET, EE, EE_EVO, EVENT_EVO)
  export                      Write the compat JSON files
  backup <dest.db>            Copy the database with VACUUM INTO
  serve                       Run gateway, review workers and cron
  top                         Live queue monitor
  status                      Show daemon health status (/healthz)
  doctor [-json]              Run diagnostic checks

ENVIRONMENT VARIABLES:
  NEWSGRAPH_HOME              Data directory (default: ~/.newsgraph)
  NEWSGRAPH_LOG_LEVEL         debug, info, warn or error
  OPENAI_API_KEY etc.         Provider credentials, also read from .env

EXAMPLES:
  %s ingest articles.jsonl
  %s candidates entities && %s review run -max 50 && %s apply entities
  %s serve
`, Version, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	code := dispatch(ctx, args)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version":
		fmt.Println(Version)
		return 0
	case "ingest":
		return runIngestCommand(ctx, args[1:])
	case "candidates":
		return runCandidatesCommand(ctx, args[1:])
	case "review":
		return runReviewCommand(ctx, args[1:])
	case "apply":
		return runApplyCommand(ctx, args[1:])
	case "snapshot":
		return runSnapshotCommand(ctx, args[1:])
	case "export":
		return runExportCommand(ctx, args[1:])
	case "backup":
		return runBackupCommand(ctx, args[1:])
	case "serve":
		return runServeCommand(ctx, args[1:])
	case "top":
		return runTopCommand(ctx, args[1:])
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "doctor":
		return runDoctorCommand(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

// stdoutIsTerminal decides whether logs may share stdout with the output.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printJSON writes v as indented JSON, the output format of every
// pipeline command.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v to stdout and maps the outcome to an exit code.
func emit(v any, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := printJSON(os.Stdout, v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
