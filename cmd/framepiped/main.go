package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/framepipe"
	"github.com/lanikai/framepipe/internal/logging"
)

// Populated via -ldflags="-X ...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("framepiped")

var (
	flagBackend  string
	flagLogLevel string
	flagHelp     bool
	flagVersion  bool
)

func init() {
	flag.StringVarP(&flagBackend, "backend", "B", "shm", "Channel backend")
	flag.StringVarP(&flagLogLevel, "log-level", "l", "", "Log levels")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")

	// Everything after the command name belongs to the command.
	flag.CommandLine.SetInterspersed(false)
}

// A command runs until ctx is cancelled (SIGINT/SIGTERM) or its work is done.
type command func(ctx context.Context, backend framepipe.Backend, args []string) error

var commands = map[string]command{
	"write":    writeCommand,
	"read":     readCommand,
	"inspect":  inspectCommand,
	"remove":   removeCommand,
	"loopback": loopbackCommand,
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("framepiped:"), err)
	os.Exit(1)
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	if flagLogLevel != "" {
		if err := logging.Configure(flagLogLevel); err != nil {
			fatal(err)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		help()
		os.Exit(2)
	}
	cmd, found := commands[args[0]]
	if !found {
		var names []string
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		fatal(fmt.Errorf("unknown command %q (have %v)", args[0], names))
	}

	backend, err := framepipe.OpenBackend(flagBackend)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, backend, args[1:]); err != nil {
		stop()
		fatal(err)
	}
}
