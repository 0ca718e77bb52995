package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/germanamz/portbridge/pkg/engine"
	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/wire"
)

const defaultConfigFile = "portbridge.yaml"

var errUsage = errors.New("invalid usage, run portbridge -h")

// loadDotEnv loads environment variables from path. A missing file is not
// an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// resolveConfig loads the explicit config file, or portbridge.yaml when it
// exists, or the defaults; PORTBRIDGE_* variables are applied last.
func resolveConfig(explicit string) (engine.Config, error) {
	path := explicit
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	cfg := engine.DefaultConfig()
	if path != "" {
		loaded, err := engine.LoadConfig(path)
		if err != nil {
			return engine.Config{}, err
		}
		cfg = loaded
	}

	if err := engine.ApplyEnv(&cfg); err != nil {
		return engine.Config{}, err
	}

	return cfg, nil
}

// options holds the command line settings that are not part of the
// engine configuration.
type options struct {
	remote string
}

func dispatch(ctx context.Context, cmd string, args []string, cfg engine.Config, opts options, in io.Reader, out io.Writer) error {
	switch cmd {
	case "serve":
		return withEngine(ctx, cfg, func(e *engine.Engine) error {
			return e.Serve(ctx)
		})
	case "mcp":
		return withEngine(ctx, cfg, func(e *engine.Engine) error {
			return e.ServeMCP(ctx, in, out)
		})
	case "get", "set", "del", "keys":
		if opts.remote != "" {
			return withRemote(ctx, opts.remote, func(s kvStore) error {
				return runStoreCommand(ctx, s, cmd, args, out)
			})
		}
		if cfg.Store.Driver != engine.DriverSQLite {
			return fmt.Errorf("%s needs a persistent store (store.driver: %s) or -remote", cmd, engine.DriverSQLite)
		}
		return withEngine(ctx, cfg, func(e *engine.Engine) error {
			return runStoreCommand(ctx, e.Store(), cmd, args, out)
		})
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func withEngine(ctx context.Context, cfg engine.Config, fn func(*engine.Engine) error) error {
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	return fn(eng)
}

// runStoreCommand runs one of the store subcommands against s. Writes use
// origin cli, so connected runtimes watching the key are notified.
func runStoreCommand(ctx context.Context, s kvStore, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		v, ok, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		_, err = fmt.Fprintln(out, v)
		return err

	case "set":
		if len(args) != 2 {
			return errUsage
		}
		value, err := wire.CompactJSON([]byte(args[1]))
		if err != nil {
			return fmt.Errorf("value for %q: %w", args[0], err)
		}
		return s.Set(ctx, args[0], string(value), hoststore.OriginCLI)

	case "del":
		if len(args) != 1 {
			return errUsage
		}
		return s.Delete(ctx, args[0], hoststore.OriginCLI)

	case "keys":
		if len(args) != 0 {
			return errUsage
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		return enc.Encode(keys)
	}

	return errUsage
}
