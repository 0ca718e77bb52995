package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/germanamz/portbridge/pkg/engine"
)

const usage = `Usage: portbridge [command] [flags] [args]

Commands:
  serve             Run the host server (default)
  mcp               Serve the host store tools over MCP on stdio
  get <key>         Print the JSON value stored under key
  set <key> <json>  Store a JSON value under key
  del <key>         Remove key
  keys              List all keys

Flags:
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "path to configuration file (default: portbridge.yaml if present)")
	envFile := fs.String("env", ".env", "path to .env file (ignored if missing)")
	addr := fs.String("addr", "", "listen address (overrides config)")
	remote := fs.String("remote", "", "MCP endpoint of a running host for get/set/del/keys, e.g. http://localhost:8080/mcp")
	_ = fs.Parse(args)

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	if err := run(cmd, fs.Args(), cfg, options{remote: *remote}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string, cfg engine.Config, opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return dispatch(ctx, cmd, args, cfg, opts, os.Stdin, os.Stdout)
}
