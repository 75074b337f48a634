// Command migrate manages the activity_events schema.
//
//	migrate [flags] up | down [N] | version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/activitybus/db/migrations"
	"github.com/coachpo/activitybus/internal/infra/config"
	"github.com/coachpo/activitybus/internal/infra/persistence/migrations"
)

func main() {
	logger := log.New(os.Stdout, "activitybus-migrate ", log.LstdFlags)
	if err := run(os.Args[1:], logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string, logger *log.Logger) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := flags.String("database", os.Getenv(config.EnvPrefix+"DATABASE_DSN"), "PostgreSQL DSN")
	dir := flags.String("path", "", "migrations directory (default: built into the binary)")
	timeout := flags.Duration("timeout", 30*time.Second, "overall deadline")
	quiet := flags.Bool("quiet", false, "suppress informational logs")
	if err := flags.Parse(argv); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|version)")
	}
	if *quiet {
		logger = nil
	}

	src, err := source(*dir)
	if err != nil {
		return err
	}
	runner, err := migrations.NewRunner(*dsn, src, migrations.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("%w (set -database or %sDATABASE_DSN)", err, config.EnvPrefix)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return runner.Up(ctx)
	case "down":
		steps, err := downSteps(args[1:])
		if err != nil {
			return err
		}
		return runner.Down(ctx, steps)
	case "version":
		v, dirty, ok, err := runner.Version(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no migrations applied")
			return nil
		}
		fmt.Printf("version %d dirty=%t\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected up, down or version)", args[0])
	}
}

func source(dir string) (migrations.Source, error) {
	if strings.TrimSpace(dir) == "" {
		return migrations.Embedded(dbmigrations.Files)
	}
	return migrations.Dir(dir)
}

func downSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid down steps %q", args[0])
	}
	return n, nil
}
