package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Dispatch(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			Usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"serve", "run the scheduler, event consumer and HTTP API", runServe},
	{"ingest", "record predictions from a JSON-lines file (-file, default stdin)", runIngest},
	{"prices", "refresh prices for one symbol or all tracked ones (-symbol|-all -days -force)", runPrices},
	{"outcomes", "recompute outcomes (-prediction -force -since -all)", runOutcomes},
	{"accuracy", "report accuracy by horizon and confidence tier (-horizon)", runAccuracy},
	{"tickers", "list tracked tickers (-status)", runTickers},
	{"sweep", "mark unreferenced active tickers stale", runSweep},
	{"retry", "retry backfill for failed tickers", runRetry},
	{"health", "probe every price provider", runHealth},
}

// Dispatch runs the named subcommand. Config and dependencies are only
// built once the command is known.
func Dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		Usage(out)
		return nil
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		a, err := newApp(ctx, out)
		if err != nil {
			return err
		}
		defer a.Close()
		a.logger.Debug("running command", zap.String("command", name))
		return c.run(ctx, a, args[1:])
	}
	return fmt.Errorf("unknown command %q: %w", name, errUsage)
}

func Usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sentinel <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "config is read from $CONFIG_PATH (default configs/config.yaml)")
}
