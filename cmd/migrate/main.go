package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/mcclellann/payAdvance/pkg/config"
	"github.com/mcclellann/payAdvance/pkg/store"
)

var errUsage = errors.New("usage")

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %v", err)
	}
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if err := run(flag.Args(), cfg.StoreConfig(logger), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(1)
		}
		fatalf("%v", err)
	}
}

// run executes one migration command against the database of storeCfg.
func run(args []string, storeCfg store.Config, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	m, err := store.NewMigrator(storeCfg)
	if err != nil {
		return err
	}
	defer m.Close()

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
		slog.Info("migrations: up completed")

	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("down: invalid steps argument %q", args[1])
			}
			steps = n
		}
		if err := m.Down(steps); err != nil {
			return err
		}
		slog.Info("migrations: down completed", "steps", steps)

	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("version failed: %w", err)
		}
		fmt.Fprintf(out, "version: %d  dirty: %v\n", v, dirty)

	case "force":
		if len(args) < 2 {
			return errors.New("force: version argument required")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("force: invalid version %q", args[1])
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		slog.Info("migrations: forced", "version", v)

	default:
		return errUsage
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: migrate <command> [args]

Commands:
  up           Apply all pending migrations
  down [N]     Roll back N migrations (default: 1)
  version      Print current migration version
  force <V>    Force set migration version (clears a dirty state)

Environment:
  DB_DRIVER     sqlite3 (default), postgres or pgx
  DATABASE_URL  Database DSN or SQLite file path`)
}

func fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
