package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s                          Start the sync server (same as "serve")
  %s serve                    Start the sync server

SUBCOMMANDS:
  %s status                   Show server health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s backup [dest]            Write a consistent copy of the database
                              (default: backup.dir/tasksync-<time>.db)
  %s watch [flags]            Connect as a client and print live task lists
                              Flags: -actor <id> -name <name> -scope PERSONAL|TEAM -plain

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKSYNC_HOME           Data directory (default: ~/.tasksync)
  TASKSYNC_BIND_ADDR      Listen address (overrides bind_addr)
  TASKSYNC_AUTH_TOKEN     Bearer token required from clients
  TASKSYNC_OPERATORS      Comma separated operator actor ids
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "serve":
		if len(args) > 0 {
			if len(args) == 1 && isHelpArg(args[0]) {
				printServeUsage(os.Stdout)
				return
			}
			printServeUsage(os.Stderr)
			os.Exit(2)
		}
		// Log to stdout only when someone is watching.
		quiet := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
		runServe(ctx, quiet)
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "backup":
		os.Exit(runBackupCommand(ctx, args))
	case "watch":
		os.Exit(runWatchCommand(ctx, args, os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"tasksync","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Run \"tasksync status\" to check whether it is a running server.", port, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printServeUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tasksync serve [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the sync server on bind_addr until interrupted.")
}
